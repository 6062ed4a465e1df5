//go:build !linux

package fuse

import (
	"context"
	"fmt"

	xfs "github.com/jacktea/hdfsfake/pkg/fs"
)

// Mount is only available on linux.
func Mount(ctx context.Context, filesystem xfs.Driver, mountpoint string) error {
	return fmt.Errorf("fuse mount not supported in this build")
}

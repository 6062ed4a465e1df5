// Package verify computes, caches and checks composite file checksums for
// any fs.Driver. Digests are cached per path and invalidated whenever the
// file's size or modification time changes.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jacktea/hdfsfake/pkg/cache"
	"github.com/jacktea/hdfsfake/pkg/checksum"
	"github.com/jacktea/hdfsfake/pkg/fs"
	"github.com/jacktea/hdfsfake/pkg/xerrors"
)

// ErrMismatch is returned by Verify when the digests differ.
var ErrMismatch = errors.New("checksum mismatch")

// Options configures a Verifier.
type Options struct {
	// CacheEntries caps the in-memory LRU (0 picks the cache default).
	CacheEntries int
	CacheTTL     time.Duration
	// Store persists digests across runs. Nil keeps them in memory only.
	Store  Store
	Logger *slog.Logger
}

// Verifier computes composite checksums over an fs.Driver.
type Verifier struct {
	fs    fs.Driver
	mem   *cache.Cache[Record]
	store Store
	log   *slog.Logger
}

// Result is one entry produced by Tree.
type Result struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
}

// New builds a Verifier.
func New(fsys fs.Driver, opts Options) *Verifier {
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Verifier{
		fs:    fsys,
		mem:   cache.New[Record](opts.CacheEntries, opts.CacheTTL),
		store: store,
		log:   log.With("component", "verify"),
	}
}

// Checksum returns the composite checksum of the file at p.
func (v *Verifier) Checksum(ctx context.Context, p string) (string, error) {
	info, err := v.fs.GetFileInfo(ctx, p)
	if err != nil {
		return "", err
	}
	return v.checksum(ctx, info)
}

// FileChecksum returns the WebHDFS form of Checksum.
func (v *Verifier) FileChecksum(ctx context.Context, p string) (checksum.FileChecksum, error) {
	digest, err := v.Checksum(ctx, p)
	if err != nil {
		return checksum.FileChecksum{}, err
	}
	return checksum.NewFileChecksum(digest), nil
}

func (v *Verifier) checksum(ctx context.Context, info fs.FileInfo) (string, error) {
	switch info.Type {
	case fs.TypeNotFound:
		return "", xerrors.E(xerrors.KindNotFound, "checksum", info.Path)
	case fs.TypeDirectory:
		return "", xerrors.E(xerrors.KindIsDirectory, "checksum", info.Path)
	}
	if rec, ok := v.mem.Get(info.Path); ok && rec.Matches(info.Size, info.MTime) {
		return rec.Digest, nil
	}
	rec, ok, err := v.store.Get(ctx, info.Path)
	if err != nil {
		v.log.Warn("store lookup failed", "path", info.Path, "err", err)
	} else if ok && rec.Matches(info.Size, info.MTime) {
		v.mem.Set(info.Path, rec)
		return rec.Digest, nil
	}

	start := time.Now()
	r, err := v.fs.OpenInputStream(ctx, info.Path)
	if err != nil {
		return "", err
	}
	digest, err := checksum.Compute(r)
	r.Close()
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindIO, "checksum", info.Path, err)
	}
	v.log.Debug("computed checksum", "path", info.Path, "size", info.Size, "elapsed", time.Since(start))

	// Only cache when the file did not change underneath the read.
	after, err := v.fs.GetFileInfo(ctx, info.Path)
	if err == nil && after.IsFile() && after.Size == info.Size && after.MTime.Equal(info.MTime) {
		rec := Record{
			Path:       info.Path,
			Size:       info.Size,
			MTimeNano:  info.MTime.UnixNano(),
			Digest:     digest,
			ComputedAt: time.Now().UTC(),
		}
		v.mem.Set(info.Path, rec)
		if err := v.store.Put(ctx, rec); err != nil {
			v.log.Warn("store update failed", "path", info.Path, "err", err)
		}
	}
	return digest, nil
}

// Verify checks the file at p against expected.
func (v *Verifier) Verify(ctx context.Context, p, expected string) error {
	got, err := v.Checksum(ctx, p)
	if err != nil {
		return err
	}
	if got != expected {
		return xerrors.Wrap(xerrors.KindInvalid, "verify", p, fmt.Errorf("%w: got %s, want %s", ErrMismatch, got, expected))
	}
	return nil
}

// Tree checksums every file below dir, in listing order.
func (v *Verifier) Tree(ctx context.Context, dir string) ([]Result, error) {
	infos, err := v.fs.ListFileInfo(ctx, fs.Selector{BaseDir: dir, Recursive: true})
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(infos))
	for _, info := range infos {
		if !info.IsFile() {
			continue
		}
		digest, err := v.checksum(ctx, info)
		if err != nil {
			return nil, err
		}
		out = append(out, Result{Path: info.Path, Size: info.Size, Digest: digest})
	}
	return out, nil
}

// Forget drops cached digests for p and everything below it.
func (v *Verifier) Forget(ctx context.Context, p string) error {
	v.mem.DeleteTree(p)
	return v.store.DeleteTree(ctx, p)
}

// Stats reports in-memory cache statistics.
func (v *Verifier) Stats() cache.Stats { return v.mem.Stats() }

// Close releases the cache and the store.
func (v *Verifier) Close() error {
	v.mem.Close()
	return v.store.Close()
}

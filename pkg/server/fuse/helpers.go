package fuse

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"path"
	"strings"
	"sync"
	"syscall"

	xfs "github.com/jacktea/hdfsfake/pkg/fs"
	"github.com/jacktea/hdfsfake/pkg/xerrors"
)

// cleanPath normalises mount-relative paths.
func cleanPath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func joinPath(base, name string) string {
	return cleanPath(path.Join(base, name))
}

func inodeForPath(p string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(p))
	ino := h.Sum64()
	if ino == 0 {
		return 1
	}
	return ino
}

// errnoForError converts driver errors to syscall errno codes.
func errnoForError(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	case errors.Is(err, context.DeadlineExceeded):
		return syscall.ETIMEDOUT
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		return syscall.ENOENT
	case xerrors.KindAlreadyExists:
		return syscall.EEXIST
	case xerrors.KindPermission:
		return syscall.EACCES
	case xerrors.KindNotDirectory:
		return syscall.ENOTDIR
	case xerrors.KindIsDirectory:
		return syscall.EISDIR
	case xerrors.KindNotEmpty:
		return syscall.ENOTEMPTY
	case xerrors.KindInvalid, xerrors.KindRange:
		return syscall.EINVAL
	case xerrors.KindNotSupported:
		return syscall.ENOTSUP
	default:
		return syscall.EIO
	}
}

// handle is an open file. Writes must land at the current end of the file;
// they stream into an append session committed on flush or release.
type handle struct {
	mu   sync.Mutex
	fsys xfs.Driver
	path string
	size int64
	in   xfs.InputFile
	out  io.WriteCloser
}

func newHandle(fsys xfs.Driver, p string, size int64) *handle {
	return &handle{fsys: fsys, path: p, size: size}
}

func (h *handle) readAt(ctx context.Context, dest []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.commit(); err != nil {
		return 0, err
	}
	if h.in == nil {
		in, err := h.fsys.OpenInputFile(ctx, h.path)
		if err != nil {
			return 0, err
		}
		h.in = in
	}
	n, err := h.in.ReadAt(dest, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func (h *handle) writeAt(ctx context.Context, data []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if off != h.size {
		return 0, xerrors.Wrap(xerrors.KindInvalid, "write", h.path, errors.New("non-sequential write"))
	}
	if h.out == nil {
		out, err := h.fsys.OpenAppendStream(ctx, h.path)
		if err != nil {
			return 0, err
		}
		h.out = out
	}
	if h.in != nil {
		h.in.Close()
		h.in = nil
	}
	n, err := h.out.Write(data)
	h.size += int64(n)
	return n, err
}

// truncate supports dropping all content or keeping the current size.
func (h *handle) truncate(ctx context.Context, size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch size {
	case h.size:
		return nil
	case 0:
	default:
		return xerrors.Wrap(xerrors.KindNotSupported, "truncate", h.path, errors.New("only truncation to zero is supported"))
	}
	if err := h.commit(); err != nil {
		return err
	}
	if h.in != nil {
		h.in.Close()
		h.in = nil
	}
	out, err := h.fsys.OpenOutputStream(ctx, h.path)
	if err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	h.size = 0
	return nil
}

func (h *handle) flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.commit()
}

func (h *handle) release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err := h.commit()
	if h.in != nil {
		if cerr := h.in.Close(); err == nil {
			err = cerr
		}
		h.in = nil
	}
	return err
}

func (h *handle) commit() error {
	if h.out == nil {
		return nil
	}
	err := h.out.Close()
	h.out = nil
	return err
}

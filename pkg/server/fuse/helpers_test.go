package fuse

import (
	"context"
	"errors"
	"io"
	"syscall"
	"testing"

	xfs "github.com/jacktea/hdfsfake/pkg/fs"
	"github.com/jacktea/hdfsfake/pkg/hdfs"
	"github.com/jacktea/hdfsfake/pkg/localfs"
	"github.com/jacktea/hdfsfake/pkg/xerrors"
)

func TestCleanPath(t *testing.T) {
	tests := map[string]string{
		"":        "/",
		"/":       "/",
		"foo/bar": "/foo/bar",
		"/foo//":  "/foo",
		"/a/../b": "/b",
	}
	for in, want := range tests {
		if got := cleanPath(in); got != want {
			t.Fatalf("cleanPath(%q)=%q, want %q", in, got, want)
		}
	}
	if got := joinPath("/", "x"); got != "/x" {
		t.Fatalf("joinPath = %q", got)
	}
	if inodeForPath("/a") == inodeForPath("/b") {
		t.Fatalf("distinct paths should get distinct inodes")
	}
}

func TestErrnoForError(t *testing.T) {
	testcases := []struct {
		err  error
		want syscall.Errno
	}{
		{err: nil, want: 0},
		{err: xfs.ErrNotFound, want: syscall.ENOENT},
		{err: context.Canceled, want: syscall.EINTR},
		{err: context.DeadlineExceeded, want: syscall.ETIMEDOUT},
		{err: xerrors.E(xerrors.KindAlreadyExists, "mkdir", "/a"), want: syscall.EEXIST},
		{err: xerrors.E(xerrors.KindPermission, "open", "/a"), want: syscall.EACCES},
		{err: xerrors.E(xerrors.KindNotDirectory, "list", "/a"), want: syscall.ENOTDIR},
		{err: xerrors.E(xerrors.KindIsDirectory, "open", "/a"), want: syscall.EISDIR},
		{err: xerrors.E(xerrors.KindInvalid, "write", "/a"), want: syscall.EINVAL},
		{err: xerrors.E(xerrors.KindNotEmpty, "rmdir", "/a"), want: syscall.ENOTEMPTY},
		{err: errors.New("boom"), want: syscall.EIO},
	}
	for _, tc := range testcases {
		if got := errnoForError(tc.err); got != tc.want {
			t.Fatalf("errnoForError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func newDriver(t *testing.T) xfs.Driver {
	t.Helper()
	fsys, err := hdfs.New(localfs.New(localfs.Config{}), t.TempDir(), hdfs.Options{})
	if err != nil {
		t.Fatalf("hdfs.New: %v", err)
	}
	return fsys
}

func TestHandleSequentialWrites(t *testing.T) {
	ctx := context.Background()
	fsys := newDriver(t)
	w, err := fsys.OpenOutputStream(ctx, "/f")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	w.Close()

	h := newHandle(fsys, "/f", 0)
	if _, err := h.writeAt(ctx, []byte("hello "), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := h.writeAt(ctx, []byte("world"), 6); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if _, err := h.writeAt(ctx, []byte("!"), 3); xerrors.KindOf(err) != xerrors.KindInvalid {
		t.Fatalf("out of order write should fail with invalid, got %v", err)
	}
	buf := make([]byte, 32)
	n, err := h.readAt(ctx, buf, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "hello world" {
		t.Fatalf("read back %q", buf[:n])
	}
	if _, err := h.writeAt(ctx, []byte("!"), 11); err != nil {
		t.Fatalf("write after read: %v", err)
	}
	if err := h.release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	r, err := fsys.OpenInputStream(ctx, "/f")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != "hello world!" {
		t.Fatalf("file content %q", data)
	}
}

func TestHandleTruncate(t *testing.T) {
	ctx := context.Background()
	fsys := newDriver(t)
	w, _ := fsys.OpenOutputStream(ctx, "/g")
	w.Write([]byte("abc"))
	w.Close()

	h := newHandle(fsys, "/g", 3)
	defer h.release()
	if err := h.truncate(ctx, 3); err != nil {
		t.Fatalf("truncate to size: %v", err)
	}
	if err := h.truncate(ctx, 1); xerrors.KindOf(err) != xerrors.KindNotSupported {
		t.Fatalf("partial truncate: %v", err)
	}
	if err := h.truncate(ctx, 0); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	info, err := fsys.GetFileInfo(ctx, "/g")
	if err != nil || info.Size != 0 {
		t.Fatalf("size after truncate = %d, %v", info.Size, err)
	}
	if _, err := h.writeAt(ctx, []byte("z"), 0); err != nil {
		t.Fatalf("write after truncate: %v", err)
	}
	if err := h.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if info, _ := fsys.GetFileInfo(ctx, "/g"); info.Size != 1 {
		t.Fatalf("size after flush = %d", info.Size)
	}
}

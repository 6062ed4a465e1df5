package nfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	billy "github.com/go-git/go-billy/v5"

	"github.com/jacktea/hdfsfake/pkg/fs"
	"github.com/jacktea/hdfsfake/pkg/xerrors"
)

// filesystem adapts an fs.Driver to billy.Filesystem for go-nfs. Paths are
// resolved below root in the driver's namespace.
type filesystem struct {
	ctx  context.Context
	back fs.Driver
	root string
}

func newFilesystem(ctx context.Context, backend fs.Driver, export string) (billy.Filesystem, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	export = cleanPath(export)
	fsys := &filesystem{
		ctx:  ctx,
		back: backend,
		root: export,
	}
	info, err := backend.GetFileInfo(ctx, export)
	if err != nil {
		return nil, translateErr(err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("export %s is not a directory", export)
	}
	return fsys, nil
}

func (f *filesystem) Create(filename string) (billy.File, error) {
	return f.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o666)
}

func (f *filesystem) Open(filename string) (billy.File, error) {
	return f.OpenFile(filename, os.O_RDONLY, 0)
}

// OpenFile opens filename. Writers only ever extend a file: the handle
// appends at the current end and rejects writes at any other offset.
func (f *filesystem) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	full, err := f.resolve(filename)
	if err != nil {
		return nil, err
	}
	info, err := f.back.GetFileInfo(f.ctx, full)
	if err != nil {
		return nil, translateErr(err)
	}
	writable := flag&(os.O_RDWR|os.O_WRONLY) != 0
	switch {
	case info.IsDir():
		return nil, &os.PathError{Op: "open", Path: filename, Err: syscall.EISDIR}
	case info.Exists() && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, os.ErrExist
	case !info.Exists() && flag&os.O_CREATE == 0:
		return nil, os.ErrNotExist
	}
	size := info.Size
	if !info.Exists() || (writable && flag&os.O_TRUNC != 0) {
		if err := f.truncate(full); err != nil {
			return nil, err
		}
		size = 0
	}
	fl := &file{
		ctx:  f.ctx,
		back: f.back,
		path: full,
		name: filename,
		flag: flag,
		size: size,
	}
	if flag&os.O_APPEND != 0 {
		fl.offset = size
	}
	return fl, nil
}

// truncate creates full or resets it to zero length.
func (f *filesystem) truncate(full string) error {
	out, err := f.back.OpenOutputStream(f.ctx, full)
	if err != nil {
		return translateErr(err)
	}
	return translateErr(out.Close())
}

func (f *filesystem) Stat(filename string) (os.FileInfo, error) {
	full, err := f.resolve(filename)
	if err != nil {
		return nil, err
	}
	info, err := f.back.GetFileInfo(f.ctx, full)
	if err != nil {
		return nil, translateErr(err)
	}
	if !info.Exists() {
		return nil, os.ErrNotExist
	}
	return toOSInfo(info), nil
}

func (f *filesystem) Lstat(filename string) (os.FileInfo, error) {
	return f.Stat(filename)
}

func (f *filesystem) Rename(oldpath, newpath string) error {
	oldFull, err := f.resolve(oldpath)
	if err != nil {
		return err
	}
	newFull, err := f.resolve(newpath)
	if err != nil {
		return err
	}
	return translateErr(f.back.Move(f.ctx, oldFull, newFull))
}

// Remove deletes a file or an empty directory.
func (f *filesystem) Remove(filename string) error {
	full, err := f.resolve(filename)
	if err != nil {
		return err
	}
	info, err := f.back.GetFileInfo(f.ctx, full)
	if err != nil {
		return translateErr(err)
	}
	switch {
	case !info.Exists():
		return os.ErrNotExist
	case info.IsDir():
		children, err := f.back.ListFileInfo(f.ctx, fs.Selector{BaseDir: full})
		if err != nil {
			return translateErr(err)
		}
		if len(children) > 0 {
			return &os.PathError{Op: "remove", Path: filename, Err: syscall.ENOTEMPTY}
		}
		return translateErr(f.back.DeleteDir(f.ctx, full))
	default:
		return translateErr(f.back.DeleteFile(f.ctx, full))
	}
}

func (f *filesystem) ReadDir(p string) ([]os.FileInfo, error) {
	full, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	entries, err := f.back.ListFileInfo(f.ctx, fs.Selector{BaseDir: full})
	if err != nil {
		return nil, translateErr(err)
	}
	out := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		out = append(out, toOSInfo(entry))
	}
	return out, nil
}

func (f *filesystem) MkdirAll(filename string, perm os.FileMode) error {
	full, err := f.resolve(filename)
	if err != nil {
		return err
	}
	return translateErr(f.back.CreateDir(f.ctx, full, fs.MkdirOptions{Parents: true, Mode: uint32(perm.Perm())}))
}

func (f *filesystem) Symlink(target, link string) error {
	return billy.ErrNotSupported
}

func (f *filesystem) Readlink(link string) (string, error) {
	return "", billy.ErrNotSupported
}

func (f *filesystem) TempFile(dir, prefix string) (billy.File, error) {
	if dir == "" {
		dir = "/"
	}
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("%s%d", prefix, rand.Int())
		file, err := f.OpenFile(f.Join(dir, name), os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		return file, err
	}
	return nil, fmt.Errorf("tempfile: unable to allocate")
}

func (f *filesystem) Chroot(p string) (billy.Filesystem, error) {
	full, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	return newFilesystem(f.ctx, f.back, full)
}

func (f *filesystem) Root() string {
	return f.root
}

func (f *filesystem) Join(elem ...string) string {
	res := path.Join(elem...)
	if res == "" {
		return "/"
	}
	return res
}

// Ownership, modes and times are not modeled; changes are accepted and
// dropped so that clients setting attributes after create keep working.
func (f *filesystem) Chmod(string, os.FileMode) error           { return nil }
func (f *filesystem) Lchown(string, int, int) error             { return nil }
func (f *filesystem) Chown(string, int, int) error              { return nil }
func (f *filesystem) Chtimes(string, time.Time, time.Time) error { return nil }

func (f *filesystem) resolve(p string) (string, error) {
	clean := cleanPath(p)
	if f.root == "/" {
		return clean, nil
	}
	combined := path.Join(f.root, strings.TrimPrefix(clean, "/"))
	if combined != f.root && !strings.HasPrefix(combined, f.root+"/") {
		return "", os.ErrPermission
	}
	return combined, nil
}

func cleanPath(p string) string {
	return path.Clean("/" + strings.TrimSpace(p))
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		return os.ErrNotExist
	case xerrors.KindAlreadyExists:
		return os.ErrExist
	case xerrors.KindPermission:
		return os.ErrPermission
	case xerrors.KindInvalid, xerrors.KindRange:
		return os.ErrInvalid
	case xerrors.KindNotDirectory:
		return &os.PathError{Op: "nfs", Path: "", Err: syscall.ENOTDIR}
	case xerrors.KindIsDirectory:
		return &os.PathError{Op: "nfs", Path: "", Err: syscall.EISDIR}
	case xerrors.KindNotEmpty:
		return &os.PathError{Op: "nfs", Path: "", Err: syscall.ENOTEMPTY}
	default:
		return err
	}
}

type entryInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
}

func (e entryInfo) Name() string       { return e.name }
func (e entryInfo) Size() int64        { return e.size }
func (e entryInfo) Mode() os.FileMode  { return e.mode }
func (e entryInfo) ModTime() time.Time { return e.modTime }
func (e entryInfo) IsDir() bool        { return e.mode.IsDir() }
func (e entryInfo) Sys() any           { return nil }

func toOSInfo(info fs.FileInfo) os.FileInfo {
	mode := os.FileMode(0o644)
	if info.IsDir() {
		mode = os.ModeDir | 0o755
	}
	name := info.Name()
	if info.Path == "/" {
		name = "/"
	}
	return entryInfo{name: name, size: info.Size, mode: mode, modTime: info.MTime}
}

// file is an NFS handle. Reads go through a lazily opened input file and
// writes through a lazily opened append stream, so a handle only ever
// extends the file it names.
type file struct {
	mu     sync.Mutex
	ctx    context.Context
	back   fs.Driver
	path   string
	name   string
	flag   int
	offset int64
	size   int64
	in     fs.InputFile
	out    io.WriteCloser
	closed bool
}

func (f *file) Name() string { return f.name }

func (f *file) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.readAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readAt(p, off)
}

func (f *file) readAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	if f.flag&os.O_WRONLY != 0 {
		return 0, os.ErrPermission
	}
	if err := f.commit(); err != nil {
		return 0, err
	}
	if f.in == nil {
		in, err := f.back.OpenInputFile(f.ctx, f.path)
		if err != nil {
			return 0, translateErr(err)
		}
		f.in = in
	}
	return f.in.ReadAt(p, off)
}

func (f *file) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if f.flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		return 0, os.ErrPermission
	}
	if f.offset != f.size {
		return 0, os.ErrInvalid
	}
	if f.out == nil {
		out, err := f.back.OpenAppendStream(f.ctx, f.path)
		if err != nil {
			return 0, translateErr(err)
		}
		f.out = out
	}
	if f.in != nil {
		f.in.Close()
		f.in = nil
	}
	n, err := f.out.Write(p)
	f.offset += int64(n)
	f.size += int64(n)
	return n, err
}

// commit closes a pending append stream so its bytes become visible.
func (f *file) commit() error {
	if f.out == nil {
		return nil
	}
	err := f.out.Close()
	f.out = nil
	return translateErr(err)
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = f.offset + offset
	case io.SeekEnd:
		newOffset = f.size + offset
	default:
		return 0, os.ErrInvalid
	}
	if newOffset < 0 {
		return f.offset, os.ErrInvalid
	}
	f.offset = newOffset
	return f.offset, nil
}

func (f *file) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	err := f.commit()
	if f.in != nil {
		if cerr := f.in.Close(); err == nil {
			err = cerr
		}
		f.in = nil
	}
	return err
}

func (f *file) Lock() error   { return nil }
func (f *file) Unlock() error { return nil }

// Truncate supports only resetting to zero and the no-op of the current size.
func (f *file) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	switch size {
	case f.size:
		return nil
	case 0:
		if err := f.commit(); err != nil {
			return err
		}
		if f.in != nil {
			f.in.Close()
			f.in = nil
		}
		out, err := f.back.OpenOutputStream(f.ctx, f.path)
		if err != nil {
			return translateErr(err)
		}
		if err := out.Close(); err != nil {
			return translateErr(err)
		}
		f.size, f.offset = 0, 0
		return nil
	default:
		return os.ErrInvalid
	}
}

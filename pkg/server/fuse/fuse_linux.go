//go:build linux

package fuse

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	xfs "github.com/jacktea/hdfsfake/pkg/fs"
)

const (
	attrTimeout    = 2 * time.Second
	entryTimeout   = 2 * time.Second
	defaultBlkSz   = 4096
	defaultDirMod  = 0o755
	defaultFileMod = 0o644
)

// Mount serves filesystem at mountpoint until ctx is canceled.
func Mount(ctx context.Context, filesystem xfs.Driver, mountpoint string) error {
	if filesystem == nil {
		return fmt.Errorf("fuse: nil filesystem")
	}
	root := newDirNode(filesystem, "/")
	server, err := gofuse.Mount(mountpoint, root, &gofuse.Options{
		MountOptions: fuse.MountOptions{
			FsName: filesystem.Name(),
			Name:   "hdfsfake",
		},
	})
	if err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = server.Unmount()
		case <-done:
		}
	}()
	server.Wait()
	close(done)
	if err := ctx.Err(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// dirNode represents a directory inode in FUSE space.
type dirNode struct {
	gofuse.Inode
	fsys xfs.Driver
	path string
}

var (
	_ gofuse.NodeLookuper  = (*dirNode)(nil)
	_ gofuse.NodeReaddirer = (*dirNode)(nil)
	_ gofuse.NodeMkdirer   = (*dirNode)(nil)
	_ gofuse.NodeCreater   = (*dirNode)(nil)
	_ gofuse.NodeUnlinker  = (*dirNode)(nil)
	_ gofuse.NodeRmdirer   = (*dirNode)(nil)
	_ gofuse.NodeRenamer   = (*dirNode)(nil)
	_ gofuse.NodeGetattrer = (*dirNode)(nil)
)

func newDirNode(fsys xfs.Driver, p string) *dirNode {
	return &dirNode{fsys: fsys, path: cleanPath(p)}
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	childPath := joinPath(d.path, name)
	info, err := d.fsys.GetFileInfo(ctx, childPath)
	if err != nil {
		return nil, errnoForError(err)
	}
	switch {
	case info.IsDir():
		fillEntry(out, makeAttr(info))
		return d.NewInode(ctx, newDirNode(d.fsys, childPath), stableAttr(childPath, fuse.S_IFDIR)), 0
	case info.IsFile():
		fillEntry(out, makeAttr(info))
		return d.NewInode(ctx, newFileNode(d.fsys, childPath), stableAttr(childPath, fuse.S_IFREG)), 0
	default:
		return nil, syscall.ENOENT
	}
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := d.fsys.ListFileInfo(ctx, xfs.Selector{BaseDir: d.path})
	if err != nil {
		return nil, errnoForError(err)
	}
	dirEntries := make([]fuse.DirEntry, 0, len(entries))
	for _, entry := range entries {
		mode := uint32(fuse.S_IFREG)
		if entry.IsDir() {
			mode = fuse.S_IFDIR
		}
		dirEntries = append(dirEntries, fuse.DirEntry{
			Name: entry.Name(),
			Mode: mode,
			Ino:  inodeForPath(joinPath(d.path, entry.Name())),
		})
	}
	return gofuse.NewListDirStream(dirEntries), 0
}

func (d *dirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	childPath := joinPath(d.path, name)
	if info, err := d.fsys.GetFileInfo(ctx, childPath); err == nil && info.Exists() {
		return nil, syscall.EEXIST
	}
	if err := d.fsys.CreateDir(ctx, childPath, xfs.MkdirOptions{Mode: mode & 0o777}); err != nil {
		return nil, errnoForError(err)
	}
	info, err := d.fsys.GetFileInfo(ctx, childPath)
	if err != nil {
		return nil, errnoForError(err)
	}
	fillEntry(out, makeAttr(info))
	return d.NewInode(ctx, newDirNode(d.fsys, childPath), stableAttr(childPath, fuse.S_IFDIR)), 0
}

func (d *dirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	childPath := joinPath(d.path, name)
	info, err := d.fsys.GetFileInfo(ctx, childPath)
	if err != nil {
		return nil, nil, 0, errnoForError(err)
	}
	if info.Exists() && flags&uint32(os.O_EXCL) != 0 {
		return nil, nil, 0, syscall.EEXIST
	}
	w, err := d.fsys.OpenOutputStream(ctx, childPath)
	if err != nil {
		return nil, nil, 0, errnoForError(err)
	}
	if err := w.Close(); err != nil {
		return nil, nil, 0, errnoForError(err)
	}
	if info, err = d.fsys.GetFileInfo(ctx, childPath); err != nil {
		return nil, nil, 0, errnoForError(err)
	}
	fillEntry(out, makeAttr(info))
	node := d.NewInode(ctx, newFileNode(d.fsys, childPath), stableAttr(childPath, fuse.S_IFREG))
	return node, &fileHandle{h: newHandle(d.fsys, childPath, 0)}, 0, 0
}

func (d *dirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoForError(d.fsys.DeleteFile(ctx, joinPath(d.path, name)))
}

func (d *dirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	childPath := joinPath(d.path, name)
	children, err := d.fsys.ListFileInfo(ctx, xfs.Selector{BaseDir: childPath})
	if err != nil {
		return errnoForError(err)
	}
	if len(children) > 0 {
		return syscall.ENOTEMPTY
	}
	return errnoForError(d.fsys.DeleteDir(ctx, childPath))
}

func (d *dirNode) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	target, ok := newParent.(*dirNode)
	if !ok {
		return syscall.EXDEV
	}
	dst := joinPath(target.path, newName)
	if info, err := d.fsys.GetFileInfo(ctx, dst); err == nil && info.IsFile() {
		if err := d.fsys.DeleteFile(ctx, dst); err != nil {
			return errnoForError(err)
		}
	}
	return errnoForError(d.fsys.Move(ctx, joinPath(d.path, name), dst))
}

func (d *dirNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := d.fsys.GetFileInfo(ctx, d.path)
	if err != nil {
		return errnoForError(err)
	}
	if !info.IsDir() {
		return syscall.ENOENT
	}
	fillAttrOut(out, makeAttr(info))
	return 0
}

// fileNode exposes file semantics.
type fileNode struct {
	gofuse.Inode
	fsys xfs.Driver
	path string
}

var (
	_ gofuse.NodeOpener    = (*fileNode)(nil)
	_ gofuse.NodeGetattrer = (*fileNode)(nil)
	_ gofuse.NodeSetattrer = (*fileNode)(nil)
)

func newFileNode(fsys xfs.Driver, p string) *fileNode {
	return &fileNode{fsys: fsys, path: cleanPath(p)}
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	info, err := f.fsys.GetFileInfo(ctx, f.path)
	if err != nil {
		return nil, 0, errnoForError(err)
	}
	if !info.IsFile() {
		return nil, 0, syscall.ENOENT
	}
	h := newHandle(f.fsys, f.path, info.Size)
	if flags&uint32(os.O_TRUNC) != 0 {
		if err := h.truncate(ctx, 0); err != nil {
			return nil, 0, errnoForError(err)
		}
	}
	return &fileHandle{h: h}, 0, 0
}

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := f.fsys.GetFileInfo(ctx, f.path)
	if err != nil {
		return errnoForError(err)
	}
	if !info.IsFile() {
		return syscall.ENOENT
	}
	if handle, ok := fh.(*fileHandle); ok {
		handle.h.mu.Lock()
		if handle.h.size > info.Size {
			info.Size = handle.h.size
		}
		handle.h.mu.Unlock()
	}
	fillAttrOut(out, makeAttr(info))
	return 0
}

func (f *fileNode) Setattr(ctx context.Context, fh gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		handle, ok := fh.(*fileHandle)
		if !ok {
			info, err := f.fsys.GetFileInfo(ctx, f.path)
			if err != nil {
				return errnoForError(err)
			}
			handle = &fileHandle{h: newHandle(f.fsys, f.path, info.Size)}
			defer handle.h.release()
		}
		if err := handle.h.truncate(ctx, int64(size)); err != nil {
			return errnoForError(err)
		}
	}
	return f.Getattr(ctx, fh, out)
}

// fileHandle adapts handle to the go-fuse file interfaces.
type fileHandle struct {
	h *handle
}

var (
	_ gofuse.FileReader   = (*fileHandle)(nil)
	_ gofuse.FileWriter   = (*fileHandle)(nil)
	_ gofuse.FileFlusher  = (*fileHandle)(nil)
	_ gofuse.FileReleaser = (*fileHandle)(nil)
)

func (fh *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := fh.h.readAt(ctx, dest, off)
	if err != nil {
		return nil, errnoForError(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (fh *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := fh.h.writeAt(ctx, data, off)
	if err != nil {
		return uint32(n), errnoForError(err)
	}
	return uint32(n), 0
}

func (fh *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return errnoForError(fh.h.flush())
}

func (fh *fileHandle) Release(ctx context.Context) syscall.Errno {
	return errnoForError(fh.h.release())
}

func makeAttr(info xfs.FileInfo) fuse.Attr {
	typ, mode := uint32(fuse.S_IFREG), uint32(defaultFileMod)
	size := info.Size
	if info.IsDir() {
		typ, mode, size = fuse.S_IFDIR, defaultDirMod, 0
	}
	if size < 0 {
		size = 0
	}
	attr := fuse.Attr{
		Ino:     inodeForPath(info.Path),
		Mode:    typ | mode,
		Size:    uint64(size),
		Blocks:  (uint64(size) + 511) / 512,
		Blksize: defaultBlkSz,
		Nlink:   1,
		Owner: fuse.Owner{
			Uid: uint32(os.Getuid()),
			Gid: uint32(os.Getgid()),
		},
	}
	mtime := info.MTime
	if mtime.IsZero() {
		mtime = time.Now()
	}
	attr.Mtime = uint64(mtime.Unix())
	attr.Mtimensec = uint32(mtime.Nanosecond())
	attr.Ctime, attr.Ctimensec = attr.Mtime, attr.Mtimensec
	attr.Atime, attr.Atimensec = attr.Mtime, attr.Mtimensec
	return attr
}

func fillEntry(out *fuse.EntryOut, attr fuse.Attr) {
	out.NodeId = attr.Ino
	out.Attr = attr
	out.SetEntryTimeout(entryTimeout)
	out.SetAttrTimeout(attrTimeout)
}

func fillAttrOut(out *fuse.AttrOut, attr fuse.Attr) {
	out.Attr = attr
	out.SetTimeout(attrTimeout)
}

func stableAttr(path string, typ uint32) gofuse.StableAttr {
	return gofuse.StableAttr{
		Mode: typ,
		Ino:  inodeForPath(path),
	}
}

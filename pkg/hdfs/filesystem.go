// Package hdfs exposes a directory of a backing driver as an independent
// HDFS-style namespace. Callers use virtual paths rooted at "/"; the
// adapter rewrites them under a fixed physical root before delegating and
// rewrites every path it hands back.
package hdfs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/jacktea/hdfsfake/pkg/fs"
	"github.com/jacktea/hdfsfake/pkg/xerrors"
)

// Options configures the namespace adapter.
type Options struct {
	// Logger receives debug traces of every translated call. Nil discards.
	Logger *slog.Logger
}

// FileSystem is a namespace adapter over a backing fs.Driver. It is itself
// an fs.Driver whose paths are virtual.
type FileSystem struct {
	backend fs.Driver
	root    string
	log     *slog.Logger
}

var _ fs.Driver = (*FileSystem)(nil)

// New wraps backend so that virtual "/" maps to the physical directory root.
// root must be absolute; it is cleaned and never changes afterwards.
func New(backend fs.Driver, root string, opts Options) (*FileSystem, error) {
	if backend == nil {
		panic("hdfs: backend must not be nil")
	}
	if !filepath.IsAbs(root) {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "new", root, errors.New("root must be absolute"))
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &FileSystem{
		backend: backend,
		root:    filepath.Clean(root),
		log:     log.With("component", "hdfs"),
	}, nil
}

// Backend exposes the wrapped driver.
func (f *FileSystem) Backend() fs.Driver { return f.backend }

// Root returns the physical directory virtual "/" maps to.
func (f *FileSystem) Root() string { return f.root }

func (f *FileSystem) Name() string { return "hdfs:" + f.backend.Name() }

// ToPhysical maps a virtual path onto the backend namespace. Leading slashes
// are ignored; paths that climb above the root are rejected.
func (f *FileSystem) ToPhysical(v string) (string, error) {
	p := filepath.Join(f.root, strings.TrimLeft(v, "/"))
	if p != f.root && !strings.HasPrefix(p, f.rootPrefix()) {
		return "", xerrors.E(xerrors.KindPermission, "resolve", v)
	}
	return p, nil
}

// ToVirtual maps a physical path under the root back to its virtual form.
// The root itself maps to "/".
func (f *FileSystem) ToVirtual(p string) (string, error) {
	rel, err := filepath.Rel(f.root, p)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindInvalid, "resolve", p, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", xerrors.E(xerrors.KindPermission, "resolve", p)
	}
	if rel == "." {
		return "/", nil
	}
	return "/" + strings.Join(strings.Split(rel, string(filepath.Separator)), "/"), nil
}

func (f *FileSystem) rootPrefix() string {
	if strings.HasSuffix(f.root, string(filepath.Separator)) {
		return f.root
	}
	return f.root + string(filepath.Separator)
}

func (f *FileSystem) CreateDir(ctx context.Context, v string, opts fs.MkdirOptions) error {
	p, err := f.physical("mkdir", v)
	if err != nil {
		return err
	}
	return f.scrub(f.backend.CreateDir(ctx, p, opts))
}

func (f *FileSystem) DeleteDir(ctx context.Context, v string) error {
	p, err := f.physical("rmdir", v)
	if err != nil {
		return err
	}
	if p == f.root {
		return xerrors.E(xerrors.KindPermission, "rmdir", v)
	}
	return f.scrub(f.backend.DeleteDir(ctx, p))
}

func (f *FileSystem) DeleteFile(ctx context.Context, v string) error {
	p, err := f.physical("delete", v)
	if err != nil {
		return err
	}
	return f.scrub(f.backend.DeleteFile(ctx, p))
}

func (f *FileSystem) Move(ctx context.Context, src, dst string) error {
	ps, err := f.physical("move", src)
	if err != nil {
		return err
	}
	pd, err := f.physical("move", dst)
	if err != nil {
		return err
	}
	return f.scrub(f.backend.Move(ctx, ps, pd))
}

func (f *FileSystem) OpenInputStream(ctx context.Context, v string) (io.ReadCloser, error) {
	p, err := f.physical("open", v)
	if err != nil {
		return nil, err
	}
	r, err := f.backend.OpenInputStream(ctx, p)
	return r, f.scrub(err)
}

func (f *FileSystem) OpenInputFile(ctx context.Context, v string) (fs.InputFile, error) {
	p, err := f.physical("open", v)
	if err != nil {
		return nil, err
	}
	r, err := f.backend.OpenInputFile(ctx, p)
	return r, f.scrub(err)
}

// OpenOutputStream creates the parent directories of v before opening it for
// writing, as HDFS does. A failure to create them fails the call.
func (f *FileSystem) OpenOutputStream(ctx context.Context, v string) (io.WriteCloser, error) {
	p, err := f.prepareWrite(ctx, "create", v)
	if err != nil {
		return nil, err
	}
	w, err := f.backend.OpenOutputStream(ctx, p)
	return w, f.scrub(err)
}

// OpenAppendStream follows the same parent rule as OpenOutputStream.
func (f *FileSystem) OpenAppendStream(ctx context.Context, v string) (io.WriteCloser, error) {
	p, err := f.prepareWrite(ctx, "append", v)
	if err != nil {
		return nil, err
	}
	w, err := f.backend.OpenAppendStream(ctx, p)
	return w, f.scrub(err)
}

func (f *FileSystem) prepareWrite(ctx context.Context, op, v string) (string, error) {
	p, err := f.physical(op, v)
	if err != nil {
		return "", err
	}
	if err := f.CreateDir(ctx, parent(v), fs.MkdirOptions{Parents: true}); err != nil {
		return "", err
	}
	return p, nil
}

func (f *FileSystem) GetFileInfo(ctx context.Context, v string) (fs.FileInfo, error) {
	p, err := f.physical("stat", v)
	if err != nil {
		return fs.FileInfo{}, err
	}
	info, err := f.backend.GetFileInfo(ctx, p)
	if err != nil {
		return fs.FileInfo{}, f.scrub(err)
	}
	return f.virtualInfo(info), nil
}

func (f *FileSystem) GetFileInfos(ctx context.Context, vs []string) ([]fs.FileInfo, error) {
	ps := make([]string, len(vs))
	for i, v := range vs {
		p, err := f.physical("stat", v)
		if err != nil {
			return nil, err
		}
		ps[i] = p
	}
	infos, err := f.backend.GetFileInfos(ctx, ps)
	if err != nil {
		return nil, f.scrub(err)
	}
	return f.virtualInfos(infos), nil
}

func (f *FileSystem) ListFileInfo(ctx context.Context, sel fs.Selector) ([]fs.FileInfo, error) {
	p, err := f.physical("list", sel.BaseDir)
	if err != nil {
		return nil, err
	}
	infos, err := f.backend.ListFileInfo(ctx, sel.WithBaseDir(p))
	if err != nil {
		return nil, f.scrub(err)
	}
	return f.virtualInfos(infos), nil
}

func (f *FileSystem) physical(op, v string) (string, error) {
	p, err := f.ToPhysical(v)
	if err != nil {
		f.log.Debug("rejected path", "op", op, "path", v)
		return "", err
	}
	f.log.Debug("translate", "op", op, "virtual", v, "physical", p)
	return p, nil
}

func (f *FileSystem) virtualInfo(info fs.FileInfo) fs.FileInfo {
	info.Path = f.virtualOrSelf(info.Path)
	return info
}

func (f *FileSystem) virtualInfos(infos []fs.FileInfo) []fs.FileInfo {
	out := make([]fs.FileInfo, len(infos))
	for i, info := range infos {
		out[i] = f.virtualInfo(info)
	}
	return out
}

func (f *FileSystem) virtualOrSelf(p string) string {
	v, err := f.ToVirtual(p)
	if err != nil {
		return p
	}
	return v
}

// scrub rewrites physical paths embedded in err so callers never see the
// backend layout. The error kind is preserved.
func (f *FileSystem) scrub(err error) error {
	if err == nil {
		return nil
	}
	return xerrors.MapPaths(err, f.virtualOrSelf)
}

func parent(v string) string {
	return path.Dir("/" + strings.TrimLeft(v, "/"))
}

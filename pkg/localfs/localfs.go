package localfs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/jacktea/hdfsfake/pkg/fs"
	"github.com/jacktea/hdfsfake/pkg/xerrors"
)

// Config contains backend settings.
type Config struct {
	Name string
	// Filesystem is the billy filesystem paths resolve against. Nil means
	// the host filesystem, addressed by absolute paths.
	Filesystem billy.Filesystem
	// TrackModTimes records modification times in the driver for
	// filesystems whose own mtimes are not stable (memfs reports the
	// current time on every stat).
	TrackModTimes bool
}

// LocalFs implements fs.Driver on top of a billy filesystem. It behaves like
// a plain local filesystem: no implicit parent creation, missing paths
// reported as TypeNotFound by GetFileInfo.
type LocalFs struct {
	cfg    Config
	bfs    billy.Filesystem
	mu     sync.RWMutex
	mtimes map[string]time.Time
}

var _ fs.Driver = (*LocalFs)(nil)

// New builds a LocalFs.
func New(cfg Config) *LocalFs {
	if cfg.Name == "" {
		cfg.Name = "local"
	}
	bfs := cfg.Filesystem
	if bfs == nil {
		bfs = osfs.New("/")
	}
	l := &LocalFs{cfg: cfg, bfs: bfs}
	if cfg.TrackModTimes {
		l.mtimes = make(map[string]time.Time)
	}
	return l
}

// NewMemory returns a LocalFs over an empty in-memory filesystem.
func NewMemory() *LocalFs {
	return New(Config{Name: "memory", Filesystem: memfs.New(), TrackModTimes: true})
}

func init() {
	fs.Register("local", func(ctx context.Context, raw map[string]any) (fs.Driver, error) {
		cfg := Config{}
		if v, ok := raw["name"].(string); ok {
			cfg.Name = v
		}
		return New(cfg), nil
	})
	fs.Register("memory", func(ctx context.Context, raw map[string]any) (fs.Driver, error) {
		l := NewMemory()
		if v, ok := raw["name"].(string); ok && v != "" {
			l.cfg.Name = v
		}
		return l, nil
	})
}

func (l *LocalFs) Name() string { return l.cfg.Name }

// Billy exposes the underlying filesystem.
func (l *LocalFs) Billy() billy.Filesystem { return l.bfs }

func (l *LocalFs) CreateDir(ctx context.Context, p string, opts fs.MkdirOptions) error {
	p, err := cleanPath("mkdir", p)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, err := l.bfs.Stat(p); err == nil {
		if st.IsDir() {
			return nil
		}
		return xerrors.E(xerrors.KindAlreadyExists, "mkdir", p)
	}
	if !opts.Parents {
		if err := l.checkParent("mkdir", p); err != nil {
			return err
		}
	} else if err := l.checkAncestors("mkdir", p); err != nil {
		return err
	}
	mode := os.FileMode(opts.Mode)
	if mode == 0 {
		mode = 0o755
	}
	if err := l.bfs.MkdirAll(p, mode|os.ModeDir); err != nil {
		return xerrors.Classify("mkdir", p, err)
	}
	l.touch(p)
	return nil
}

func (l *LocalFs) DeleteDir(ctx context.Context, p string) error {
	p, err := cleanPath("rmdir", p)
	if err != nil {
		return err
	}
	if p == string(filepath.Separator) {
		return xerrors.E(xerrors.KindPermission, "rmdir", p)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st, err := l.stat("rmdir", p)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return xerrors.E(xerrors.KindNotDirectory, "rmdir", p)
	}
	if err := util.RemoveAll(l.bfs, p); err != nil {
		return xerrors.Classify("rmdir", p, err)
	}
	l.forgetTree(p)
	return nil
}

func (l *LocalFs) DeleteFile(ctx context.Context, p string) error {
	p, err := cleanPath("delete", p)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st, err := l.stat("delete", p)
	if err != nil {
		return err
	}
	if st.IsDir() {
		return xerrors.E(xerrors.KindIsDirectory, "delete", p)
	}
	if err := l.bfs.Remove(p); err != nil {
		return xerrors.Classify("delete", p, err)
	}
	l.forgetTree(p)
	return nil
}

func (l *LocalFs) Move(ctx context.Context, src, dst string) error {
	src, err := cleanPath("move", src)
	if err != nil {
		return err
	}
	dst, err = cleanPath("move", dst)
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}
	if strings.HasPrefix(dst, src+string(filepath.Separator)) {
		return xerrors.Wrap(xerrors.KindInvalid, "move", src, errors.New("destination inside source"))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.stat("move", src); err != nil {
		return err
	}
	if err := l.checkParent("move", dst); err != nil {
		return err
	}
	if st, err := l.bfs.Stat(dst); err == nil && st.IsDir() {
		return xerrors.E(xerrors.KindAlreadyExists, "move", dst)
	}
	if err := l.bfs.Rename(src, dst); err != nil {
		return xerrors.Classify("move", src, err)
	}
	l.moveTree(src, dst)
	return nil
}

func (l *LocalFs) OpenInputStream(ctx context.Context, p string) (io.ReadCloser, error) {
	return l.OpenInputFile(ctx, p)
}

func (l *LocalFs) OpenInputFile(ctx context.Context, p string) (fs.InputFile, error) {
	p, err := cleanPath("open", p)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, err := l.stat("open", p)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, xerrors.E(xerrors.KindIsDirectory, "open", p)
	}
	f, err := l.bfs.Open(p)
	if err != nil {
		return nil, xerrors.Classify("open", p, err)
	}
	return &inputFile{File: f, size: st.Size()}, nil
}

func (l *LocalFs) OpenOutputStream(ctx context.Context, p string) (io.WriteCloser, error) {
	return l.openWriter("create", p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
}

func (l *LocalFs) OpenAppendStream(ctx context.Context, p string) (io.WriteCloser, error) {
	return l.openWriter("append", p, os.O_WRONLY|os.O_CREATE|os.O_APPEND)
}

func (l *LocalFs) openWriter(op, p string, flag int) (io.WriteCloser, error) {
	p, err := cleanPath(op, p)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkParent(op, p); err != nil {
		return nil, err
	}
	if st, err := l.bfs.Stat(p); err == nil && st.IsDir() {
		return nil, xerrors.E(xerrors.KindIsDirectory, op, p)
	}
	f, err := l.bfs.OpenFile(p, flag, 0o644)
	if err != nil {
		return nil, xerrors.Classify(op, p, err)
	}
	if l.mtimes == nil {
		return f, nil
	}
	l.touch(p)
	return &stampedWriter{File: f, l: l, path: p}, nil
}

func (l *LocalFs) GetFileInfo(ctx context.Context, p string) (fs.FileInfo, error) {
	p, err := cleanPath("stat", p)
	if err != nil {
		return fs.FileInfo{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fileInfo(p)
}

func (l *LocalFs) GetFileInfos(ctx context.Context, paths []string) ([]fs.FileInfo, error) {
	out := make([]fs.FileInfo, 0, len(paths))
	for _, p := range paths {
		info, err := l.GetFileInfo(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (l *LocalFs) ListFileInfo(ctx context.Context, sel fs.Selector) ([]fs.FileInfo, error) {
	base, err := cleanPath("list", sel.BaseDir)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, err := l.bfs.Stat(base)
	if err != nil {
		if isNotFound(err) && sel.AllowNotFound {
			return []fs.FileInfo{}, nil
		}
		return nil, xerrors.Classify("list", base, err)
	}
	if !st.IsDir() {
		return nil, xerrors.E(xerrors.KindNotDirectory, "list", base)
	}
	out := []fs.FileInfo{}
	if err := l.walk(ctx, base, sel.Recursive, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// walk appends the children of dir in lexical order, descending into each
// directory right after emitting it.
func (l *LocalFs) walk(ctx context.Context, dir string, recursive bool, out *[]fs.FileInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := l.bfs.ReadDir(dir)
	if err != nil {
		return xerrors.Classify("list", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		child := l.bfs.Join(dir, entry.Name())
		info := toFileInfo(child, entry)
		if entry.Mode()&os.ModeSymlink != 0 {
			if st, err := l.bfs.Stat(child); err == nil {
				info = toFileInfo(child, st)
			}
		}
		*out = append(*out, l.stamp(info))
		if recursive && info.IsDir() {
			if err := l.walk(ctx, child, recursive, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *LocalFs) fileInfo(p string) (fs.FileInfo, error) {
	st, err := l.bfs.Stat(p)
	if err != nil {
		if isNotFound(err) {
			return fs.FileInfo{Path: p, Type: fs.TypeNotFound}, nil
		}
		return fs.FileInfo{}, xerrors.Classify("stat", p, err)
	}
	return l.stamp(toFileInfo(p, st)), nil
}

func (l *LocalFs) stat(op, p string) (os.FileInfo, error) {
	st, err := l.bfs.Stat(p)
	if err != nil {
		if isNotFound(err) {
			return nil, xerrors.Wrap(xerrors.KindNotFound, op, p, err)
		}
		return nil, xerrors.Classify(op, p, err)
	}
	return st, nil
}

// checkParent requires the parent of p to be an existing directory.
func (l *LocalFs) checkParent(op, p string) error {
	parent := filepath.Dir(p)
	st, err := l.bfs.Stat(parent)
	if err != nil {
		if isNotFound(err) {
			return xerrors.Wrap(xerrors.KindNotFound, op, parent, err)
		}
		return xerrors.Classify(op, parent, err)
	}
	if !st.IsDir() {
		return xerrors.E(xerrors.KindNotDirectory, op, parent)
	}
	return nil
}

// checkAncestors rejects a recursive mkdir that would have to pass through a
// regular file.
func (l *LocalFs) checkAncestors(op, p string) error {
	for dir := filepath.Dir(p); ; dir = filepath.Dir(dir) {
		st, err := l.bfs.Stat(dir)
		if err == nil {
			if !st.IsDir() {
				return xerrors.E(xerrors.KindNotDirectory, op, dir)
			}
			return nil
		}
		if !isNotFound(err) {
			return xerrors.Classify(op, dir, err)
		}
		if dir == filepath.Dir(dir) {
			return nil
		}
	}
}

func toFileInfo(p string, st os.FileInfo) fs.FileInfo {
	info := fs.FileInfo{Path: p, MTime: st.ModTime()}
	switch {
	case st.IsDir():
		info.Type = fs.TypeDirectory
	case st.Mode().IsRegular():
		info.Type = fs.TypeFile
		info.Size = st.Size()
	default:
		info.Type = fs.TypeUnknown
	}
	return info
}

func isNotFound(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func cleanPath(op, p string) (string, error) {
	if p == "" || !filepath.IsAbs(p) {
		return "", xerrors.Wrap(xerrors.KindInvalid, op, p, errors.New("path must be absolute"))
	}
	return filepath.Clean(p), nil
}

// touch records now as the modification time of p. Callers hold l.mu.
func (l *LocalFs) touch(p string) {
	if l.mtimes != nil {
		l.mtimes[p] = time.Now()
	}
}

func (l *LocalFs) forgetTree(p string) {
	for k := range l.mtimes {
		if k == p || strings.HasPrefix(k, p+string(filepath.Separator)) {
			delete(l.mtimes, k)
		}
	}
}

func (l *LocalFs) moveTree(src, dst string) {
	if l.mtimes == nil {
		return
	}
	l.forgetTree(dst)
	for k, t := range l.mtimes {
		switch {
		case k == src:
			l.mtimes[dst] = t
			delete(l.mtimes, k)
		case strings.HasPrefix(k, src+string(filepath.Separator)):
			l.mtimes[dst+strings.TrimPrefix(k, src)] = t
			delete(l.mtimes, k)
		}
	}
}

// stamp replaces info.MTime with the recorded time when one exists.
func (l *LocalFs) stamp(info fs.FileInfo) fs.FileInfo {
	if t, ok := l.mtimes[info.Path]; ok {
		info.MTime = t
	}
	return info
}

// stampedWriter refreshes the recorded mtime when the write completes.
type stampedWriter struct {
	billy.File
	l    *LocalFs
	path string
}

func (w *stampedWriter) Close() error {
	err := w.File.Close()
	w.l.mu.Lock()
	w.l.touch(w.path)
	w.l.mu.Unlock()
	return err
}

// inputFile adapts a billy.File to fs.InputFile.
type inputFile struct {
	billy.File
	size int64
}

func (f *inputFile) Size() int64 { return f.size }

package fs

import (
	"context"
	"io"
	"path"
	"time"
)

// Driver is the filesystem capability every backend exposes. Paths are
// absolute and slash separated in the backend's own namespace.
type Driver interface {
	Name() string

	CreateDir(ctx context.Context, p string, opts MkdirOptions) error
	DeleteDir(ctx context.Context, p string) error
	DeleteFile(ctx context.Context, p string) error
	Move(ctx context.Context, src, dst string) error

	OpenInputStream(ctx context.Context, p string) (io.ReadCloser, error)
	OpenInputFile(ctx context.Context, p string) (InputFile, error)
	OpenOutputStream(ctx context.Context, p string) (io.WriteCloser, error)
	OpenAppendStream(ctx context.Context, p string) (io.WriteCloser, error)

	GetFileInfo(ctx context.Context, p string) (FileInfo, error)
	GetFileInfos(ctx context.Context, paths []string) ([]FileInfo, error)
	ListFileInfo(ctx context.Context, sel Selector) ([]FileInfo, error)
}

// InputFile is a random access reader over a single file.
type InputFile interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer
	Size() int64
}

// FileType classifies a FileInfo.
type FileType int

const (
	TypeNotFound FileType = iota
	TypeUnknown
	TypeFile
	TypeDirectory
)

func (t FileType) String() string {
	switch t {
	case TypeNotFound:
		return "NotFound"
	case TypeFile:
		return "File"
	case TypeDirectory:
		return "Directory"
	default:
		return "Unknown"
	}
}

// FileInfo describes a single path. A missing path is reported with
// Type == TypeNotFound rather than an error.
type FileInfo struct {
	Path  string
	Type  FileType
	MTime time.Time
	Size  int64
}

// Name returns the final element of Path.
func (fi FileInfo) Name() string { return path.Base(fi.Path) }

func (fi FileInfo) IsFile() bool { return fi.Type == TypeFile }
func (fi FileInfo) IsDir() bool  { return fi.Type == TypeDirectory }
func (fi FileInfo) Exists() bool { return fi.Type != TypeNotFound }

// Selector describes a directory listing request.
type Selector struct {
	BaseDir       string
	AllowNotFound bool
	Recursive     bool
}

// WithBaseDir returns a copy of s rooted at dir.
func (s Selector) WithBaseDir(dir string) Selector {
	s.BaseDir = dir
	return s
}

// MkdirOptions customises directory creation.
type MkdirOptions struct {
	Parents bool
	Mode    uint32
}

// Errors returned by Driver implementations.
var (
	ErrNotFound     = Err("not found")
	ErrAlreadyExist = Err("already exists")
	ErrNotSupported = Err("not supported")
)

// Err is a sentinel error type so callers can check via errors.Is.
type Err string

func (e Err) Error() string { return string(e) }

// Factory builds a Driver from loosely typed configuration.
type Factory func(ctx context.Context, cfg map[string]any) (Driver, error)

var drivers = map[string]Factory{}

// Register installs a backend driver.
func Register(name string, f Factory) {
	drivers[name] = f
}

// Open instantiates a driver by name.
func Open(ctx context.Context, name string, cfg map[string]any) (Driver, error) {
	f, ok := drivers[name]
	if !ok {
		return nil, ErrNotSupported
	}
	return f(ctx, cfg)
}

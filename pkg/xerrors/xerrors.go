package xerrors

import (
	"errors"
	"io"
	iofs "io/fs"
	"os"
	"syscall"

	pkgfs "github.com/jacktea/hdfsfake/pkg/fs"
)

// Kind classifies filesystem errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindAlreadyExists
	KindPermission
	KindRange
	KindNotSupported
	KindNotDirectory
	KindIsDirectory
	KindIO
	KindInternal
	KindNotEmpty
)

func (k Kind) String() string { return kindString(k) }

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := kindString(e.Kind)
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func kindString(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindPermission:
		return "permission denied"
	case KindRange:
		return "invalid range"
	case KindNotSupported:
		return "not supported"
	case KindNotDirectory:
		return "not a directory"
	case KindIsDirectory:
		return "is a directory"
	case KindIO:
		return "i/o error"
	case KindInternal:
		return "internal error"
	case KindNotEmpty:
		return "directory not empty"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// Classify wraps err using the kind KindOf derives from it.
func Classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return Wrap(KindOf(err), op, path, err)
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	// ENOTEMPTY also matches os.ErrExist on unix.
	case errors.Is(err, syscall.ENOTEMPTY):
		return KindNotEmpty
	case errors.Is(err, pkgfs.ErrNotFound),
		errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, pkgfs.ErrAlreadyExist),
		errors.Is(err, iofs.ErrExist),
		errors.Is(err, os.ErrExist):
		return KindAlreadyExists
	case errors.Is(err, pkgfs.ErrNotSupported):
		return KindNotSupported
	case errors.Is(err, iofs.ErrPermission),
		errors.Is(err, os.ErrPermission):
		return KindPermission
	case errors.Is(err, syscall.ENOTDIR):
		return KindNotDirectory
	case errors.Is(err, syscall.EISDIR):
		return KindIsDirectory
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.EIO):
		return KindIO
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}

// MapPaths returns a copy of err with every path carried by *Error,
// *fs.PathError and *os.LinkError in its chain rewritten through fn.
// Errors of other types are returned unchanged.
func MapPaths(err error, fn func(string) string) error {
	switch e := err.(type) {
	case nil:
		return nil
	case *Error:
		return &Error{Kind: e.Kind, Op: e.Op, Path: mapPath(e.Path, fn), Err: MapPaths(e.Err, fn)}
	case *iofs.PathError:
		return &iofs.PathError{Op: e.Op, Path: mapPath(e.Path, fn), Err: e.Err}
	case *os.LinkError:
		return &os.LinkError{Op: e.Op, Old: mapPath(e.Old, fn), New: mapPath(e.New, fn), Err: e.Err}
	default:
		return err
	}
}

func mapPath(p string, fn func(string) string) string {
	if p == "" {
		return p
	}
	return fn(p)
}

package vhd

import (
	"io"
	"os"
	"path/filepath"

	"github.com/dsoprea/go-logging"
)

// OpenMode selects how Handler.Open behaves.
type OpenMode int

const (
	// OpenReadWrite opens an existing file for positional read and write.
	OpenReadWrite OpenMode = iota

	// OpenExclusiveCreate creates a new file, failing if it already exists.
	OpenExclusiveCreate
)

// ListOptions configures Handler.List.
type ListOptions struct {
	// IgnoreMissing makes List return an empty result instead of an error
	// when dir does not exist.
	IgnoreMissing bool

	// PrependDir prefixes each returned path with dir.
	PrependDir bool

	// Filter, when non-nil, is called with each base filename; entries for
	// which it returns false are omitted.
	Filter func(name string) bool

	// DirsOnly restricts the listing to subdirectories, used by the
	// cleaner to walk the `vmDir/vdis/<sr>/<vdi>/` layout one level at a
	// time without assuming a recursive directory walker.
	DirsOnly bool

	// FilesOnly restricts the listing to non-directory entries.
	FilesOnly bool
}

// Handle identifies an open file.
type Handle struct {
	path string
	f    *os.File
}

// Handler is the abstract byte-handler contract (C1): the positional,
// filesystem-like namespace this core reads and writes VHDs and sidecars
// through. It is implemented here by LocalHandler but is the pluggable
// seam the spec calls for -- remote-filesystem transport plumbing, object
// stores, or anything else offering positional I/O and rename can implement
// it without touching vhd/cleaner package internals.
type Handler interface {
	Open(path string, mode OpenMode) (*Handle, error)
	Close(h *Handle) error

	ReadAt(h *Handle, buf []byte, offset int64) (int, error)
	WriteAt(h *Handle, data []byte, offset int64) error

	GetSize(path string) (int64, error)

	List(dir string, opts ListOptions) ([]string, error)

	Unlink(path string) error
	Rename(from, to string) error

	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
}

// LocalHandler implements Handler directly against the local filesystem
// using os.File positional I/O, the same primitive the teacher's cmd/
// binaries use via plain os.Open/os.Create.
type LocalHandler struct{}

// NewLocalHandler returns a Handler backed by the local filesystem.
func NewLocalHandler() *LocalHandler {
	return &LocalHandler{}
}

// Open opens path under the given mode, returning a scoped Handle. Callers
// must call Close on all exit paths (success, error, cancellation) per the
// scoped-resource discipline the spec requires.
func (lh *LocalHandler) Open(path string, mode OpenMode) (h *Handle, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic opening (%s): %v", path, errRaw)
			}
		}
	}()

	var f *os.File

	switch mode {
	case OpenReadWrite:
		f, err = os.OpenFile(path, os.O_RDWR, 0)
	case OpenExclusiveCreate:
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	default:
		log.Panicf("unknown open-mode: (%d)", mode)
	}

	if err != nil {
		return nil, wrapKind(ErrIoError, "open (%s): %v", path, err)
	}

	return &Handle{path: path, f: f}, nil
}

// Close releases a Handle.
func (lh *LocalHandler) Close(h *Handle) error {
	if err := h.f.Close(); err != nil {
		return wrapKind(ErrIoError, "close (%s): %v", h.path, err)
	}

	return nil
}

// ReadAt reads len(buf) bytes from offset.
func (lh *LocalHandler) ReadAt(h *Handle, buf []byte, offset int64) (int, error) {
	n, err := h.f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, wrapKind(ErrIoError, "read (%s) at (%d): %v", h.path, offset, err)
	}

	return n, nil
}

// WriteAt writes data at offset.
func (lh *LocalHandler) WriteAt(h *Handle, data []byte, offset int64) error {
	if _, err := h.f.WriteAt(data, offset); err != nil {
		return wrapKind(ErrIoError, "write (%s) at (%d): %v", h.path, offset, err)
	}

	return nil
}

// GetSize returns the current size of path.
func (lh *LocalHandler) GetSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, wrapKind(ErrIoError, "stat (%s): %v", path, err)
	}

	return fi.Size(), nil
}

// List enumerates the immediate entries of dir.
func (lh *LocalHandler) List(dir string, opts ListOptions) (paths []string, err error) {
	entries, readErr := os.ReadDir(dir)
	if readErr != nil {
		if os.IsNotExist(readErr) && opts.IgnoreMissing {
			return []string{}, nil
		}

		return nil, wrapKind(ErrIoError, "list (%s): %v", dir, readErr)
	}

	paths = make([]string, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()

		if opts.DirsOnly && entry.IsDir() != true {
			continue
		}

		if opts.FilesOnly && entry.IsDir() {
			continue
		}

		if opts.Filter != nil && opts.Filter(name) != true {
			continue
		}

		if opts.PrependDir {
			paths = append(paths, filepath.Join(dir, name))
		} else {
			paths = append(paths, name)
		}
	}

	return paths, nil
}

// Unlink removes path.
func (lh *LocalHandler) Unlink(path string) error {
	if err := os.Remove(path); err != nil {
		return wrapKind(ErrIoError, "unlink (%s): %v", path, err)
	}

	return nil
}

// Rename atomically renames from to to.
func (lh *LocalHandler) Rename(from, to string) error {
	if err := os.Rename(from, to); err != nil {
		return wrapKind(ErrIoError, "rename (%s) -> (%s): %v", from, to, err)
	}

	return nil
}

// ReadFile reads the entirety of path.
func (lh *LocalHandler) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapKind(ErrIoError, "read-file (%s): %v", path, err)
	}

	return data, nil
}

// WriteFile writes data to path, replacing any existing contents.
func (lh *LocalHandler) WriteFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0644); err != nil {
		return wrapKind(ErrIoError, "write-file (%s): %v", path, err)
	}

	return nil
}

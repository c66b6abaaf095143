package dircachefingerprint

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

// FileSource is a readable byte stream with a stable identity. Plain files
// and archive entries both satisfy it, so nothing above this boundary cares
// where the bytes come from.
type FileSource interface {
	Identity() FileIdentity
	Open() (io.ReadCloser, error)
}

// plainSource is a regular file on an afero filesystem
type plainSource struct {
	fs       afero.Fs
	identity FileIdentity
}

// NewPlainSource builds a source from an already-stat'ed path
func NewPlainSource(fs afero.Fs, path string, info os.FileInfo) FileSource {
	return &plainSource{
		fs: fs,
		identity: FileIdentity{
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		},
	}
}

// OpenPlainSource stats path and returns a source for it
func OpenPlainSource(fs afero.Fs, path string) (FileSource, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreadable, path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrUnreadable, path)
	}
	return NewPlainSource(fs, path, info), nil
}

func (ps *plainSource) Identity() FileIdentity {
	return ps.identity
}

// Open opens the file and checks it still matches the enumerated identity
func (ps *plainSource) Open() (io.ReadCloser, error) {
	file, err := ps.fs.Open(ps.identity.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %w", ErrUnreadable, ps.identity.Path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: failed to stat %s: %w", ErrUnreadable, ps.identity.Path, err)
	}
	if info.Size() != ps.identity.Size || !sameModTime(info.ModTime(), ps.identity.ModTime) {
		file.Close()
		return nil, fmt.Errorf("%w: %s changed since it was enumerated", ErrTruncated, ps.identity.Path)
	}

	return file, nil
}

// readerSource wraps an opener function; used for caller-provided streams
type readerSource struct {
	identity FileIdentity
	open     func() (io.ReadCloser, error)
}

// NewReaderSource adapts any opener into a FileSource with the given identity
func NewReaderSource(id FileIdentity, open func() (io.ReadCloser, error)) FileSource {
	return &readerSource{identity: id, open: open}
}

func (rs *readerSource) Identity() FileIdentity {
	return rs.identity
}

func (rs *readerSource) Open() (io.ReadCloser, error) {
	rc, err := rs.open()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreadable, rs.identity.Path, err)
	}
	return rc, nil
}

// releaser is implemented by sources that hold shared state, such as an
// archive stream, until every sibling has been opened or given up on
type releaser interface {
	Release()
}

// releaseSource tells src it will not be opened again
func releaseSource(src FileSource) {
	if r, ok := src.(releaser); ok {
		r.Release()
	}
}

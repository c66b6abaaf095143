package dircachefingerprint

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

// ArchiveKind identifies a supported container format
type ArchiveKind int

const (
	ArchiveNone ArchiveKind = iota
	ArchiveZip
	ArchiveTar
	ArchiveTarGzip
	ArchiveTarZstd
)

func (k ArchiveKind) String() string {
	switch k {
	case ArchiveZip:
		return "zip"
	case ArchiveTar:
		return "tar"
	case ArchiveTarGzip:
		return "tar.gz"
	case ArchiveTarZstd:
		return "tar.zst"
	default:
		return "none"
	}
}

// DetectArchiveKind classifies a path by its extension
func DetectArchiveKind(path string) ArchiveKind {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"), strings.HasSuffix(lower, ".jar"):
		return ArchiveZip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return ArchiveTarGzip
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return ArchiveTarZstd
	case strings.HasSuffix(lower, ".tar"):
		return ArchiveTar
	default:
		return ArchiveNone
	}
}

// IsArchive reports whether path looks like a supported archive
func IsArchive(path string) bool {
	return DetectArchiveKind(path) != ArchiveNone
}

// ListArchive returns one source per regular-file entry of the archive at
// archivePath. Nothing is decompressed until a source is opened; entries that
// are themselves archives are not expanded.
func ListArchive(fs afero.Fs, archivePath string) ([]FileSource, error) {
	defer VerboseEnter()()

	info, err := fs.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreadable, archivePath, err)
	}

	kind := DetectArchiveKind(archivePath)
	switch kind {
	case ArchiveZip:
		return listZip(fs, archivePath, info)
	case ArchiveTar, ArchiveTarGzip, ArchiveTarZstd:
		return listTar(fs, archivePath, info, kind)
	default:
		return nil, fmt.Errorf("%w: %s is not a supported archive", ErrUnreadable, archivePath)
	}
}

// ============================================================================
// ZIP
// ============================================================================

// zipArchive shares one open handle and parsed central directory between the
// entries of an archive while at least one entry reader is open
type zipArchive struct {
	fs      afero.Fs
	path    string
	size    int64
	modTime time.Time

	mutex  sync.Mutex
	refs   int
	file   afero.File
	reader *zip.Reader
}

func (za *zipArchive) acquire() (*zip.Reader, error) {
	za.mutex.Lock()
	defer za.mutex.Unlock()

	if za.refs == 0 {
		file, err := za.fs.Open(za.path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to open archive %s: %w", ErrUnreadable, za.path, err)
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: failed to stat archive %s: %w", ErrUnreadable, za.path, err)
		}
		if info.Size() != za.size || !info.ModTime().Equal(za.modTime) {
			file.Close()
			return nil, fmt.Errorf("%w: archive %s changed since it was listed", ErrTruncated, za.path)
		}
		reader, err := zip.NewReader(file, za.size)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: failed to read archive %s: %w", ErrUnreadable, za.path, err)
		}
		za.file = file
		za.reader = reader
		debugLog("archive", "Opened %s (%d entries)", za.path, len(reader.File))
	}
	za.refs++
	return za.reader, nil
}

func (za *zipArchive) release() {
	za.mutex.Lock()
	defer za.mutex.Unlock()

	za.refs--
	if za.refs == 0 {
		za.file.Close()
		za.file = nil
		za.reader = nil
		debugLog("archive", "Closed %s", za.path)
	}
}

// zipEntrySource is one entry of a zip archive, located by its directory position
type zipEntrySource struct {
	archive  *zipArchive
	position int
	name     string
	identity FileIdentity
}

func (zs *zipEntrySource) Identity() FileIdentity {
	return zs.identity
}

func (zs *zipEntrySource) Open() (io.ReadCloser, error) {
	reader, err := zs.archive.acquire()
	if err != nil {
		return nil, err
	}
	if zs.position >= len(reader.File) || reader.File[zs.position].Name != zs.name {
		zs.archive.release()
		return nil, fmt.Errorf("%w: entry %s missing from %s", ErrUnreadable, zs.name, zs.archive.path)
	}
	rc, err := reader.File[zs.position].Open()
	if err != nil {
		zs.archive.release()
		return nil, fmt.Errorf("%w: failed to open %s: %w", ErrUnreadable, zs.identity.Path, err)
	}
	return &archiveEntryReader{Reader: rc, closers: []func() error{rc.Close, releaseFunc(zs.archive)}}, nil
}

func releaseFunc(za *zipArchive) func() error {
	return func() error {
		za.release()
		return nil
	}
}

func listZip(fs afero.Fs, archivePath string, info os.FileInfo) ([]FileSource, error) {
	archive := &zipArchive{fs: fs, path: archivePath, size: info.Size(), modTime: info.ModTime()}
	reader, err := archive.acquire()
	if err != nil {
		return nil, err
	}
	defer archive.release()

	var sources []FileSource
	for i, f := range reader.File {
		fi := f.FileInfo()
		if !fi.Mode().IsRegular() {
			continue
		}
		sources = append(sources, &zipEntrySource{
			archive:  archive,
			position: i,
			name:     f.Name,
			identity: FileIdentity{
				Path:      archiveEntryPath(archivePath, f.Name),
				Size:      int64(f.UncompressedSize64),
				ModTime:   fi.ModTime(),
				Container: archivePath,
			},
		})
	}
	VerboseLog(2, "Listed %d entries in %s", len(sources), archivePath)
	return sources, nil
}

// ============================================================================
// TAR (plain, gzip, zstd)
// ============================================================================

// tarStream is an open, decompressing view of a tar archive
type tarStream struct {
	*tar.Reader
	file    afero.File
	closers []func() error
}

func (ts *tarStream) Close() error {
	var firstErr error
	for i := len(ts.closers) - 1; i >= 0; i-- {
		if err := ts.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func openTarStream(fs afero.Fs, archivePath string, kind ArchiveKind) (*tarStream, error) {
	file, err := fs.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open archive %s: %w", ErrUnreadable, archivePath, err)
	}
	closers := []func() error{file.Close}

	var r io.Reader = file
	switch kind {
	case ArchiveTarGzip:
		gz, err := gzip.NewReader(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: bad gzip stream in %s: %w", ErrUnreadable, archivePath, err)
		}
		closers = append(closers, gz.Close)
		r = gz
	case ArchiveTarZstd:
		dec, err := zstd.NewReader(file, zstd.WithDecoderConcurrency(1))
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: bad zstd stream in %s: %w", ErrUnreadable, archivePath, err)
		}
		closers = append(closers, func() error {
			dec.Close()
			return nil
		})
		r = dec
	}

	return &tarStream{Reader: tar.NewReader(r), file: file, closers: closers}, nil
}

// tarArchive shares one forward-only decompressing stream between the
// entries of an archive. Entries opened in header order cost a single pass;
// asking for an entry behind the cursor reopens the archive from the start.
// Only one entry reader is open at a time.
type tarArchive struct {
	fs      afero.Fs
	path    string
	kind    ArchiveKind
	size    int64
	modTime time.Time

	mutex   sync.Mutex
	idle    *sync.Cond
	busy    bool
	stream  *tarStream
	cursor  int // ordinal of the last header read from stream
	pending int // entries neither closed nor released
	reopens int
}

func newTarArchive(fs afero.Fs, archivePath string, info os.FileInfo, kind ArchiveKind) *tarArchive {
	ta := &tarArchive{fs: fs, path: archivePath, kind: kind, size: info.Size(), modTime: info.ModTime(), cursor: -1}
	ta.idle = sync.NewCond(&ta.mutex)
	return ta
}

// open positions the shared stream on ordinal; the caller holds busy
func (ta *tarArchive) open(ordinal int, name string) error {
	if ta.stream == nil || ta.cursor >= ordinal {
		if ta.stream != nil {
			ta.stream.Close()
			ta.stream = nil
			ta.reopens++
			debugLog("archive", "Rewinding %s for entry %d (cursor at %d)", ta.path, ordinal, ta.cursor)
		}
		stream, err := openTarStream(ta.fs, ta.path, ta.kind)
		if err != nil {
			return err
		}
		info, err := stream.file.Stat()
		if err != nil {
			stream.Close()
			return fmt.Errorf("%w: failed to stat archive %s: %w", ErrUnreadable, ta.path, err)
		}
		if info.Size() != ta.size || !info.ModTime().Equal(ta.modTime) {
			stream.Close()
			return fmt.Errorf("%w: archive %s changed since it was listed", ErrTruncated, ta.path)
		}
		ta.stream = stream
		ta.cursor = -1
	}

	for ta.cursor < ordinal {
		hdr, err := ta.stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: entry %s missing from %s", ErrUnreadable, name, ta.path)
			}
			return fmt.Errorf("%w: failed to read %s: %w", ErrUnreadable, ta.path, err)
		}
		ta.cursor++
		if ta.cursor == ordinal && hdr.Name != name {
			return fmt.Errorf("%w: archive %s changed since it was listed", ErrUnreadable, ta.path)
		}
	}
	return nil
}

// done ends one entry's use of the stream. The stream is closed once no
// listed entry can still ask for it, or after a failure left it unusable.
func (ta *tarArchive) done(entry *tarEntrySource, failed bool) {
	ta.mutex.Lock()
	defer ta.mutex.Unlock()

	ta.busy = false
	entry.finish.Do(func() { ta.pending-- })
	if (failed || ta.pending <= 0) && ta.stream != nil {
		ta.stream.Close()
		ta.stream = nil
		debugLog("archive", "Closed %s (%d rewinds)", ta.path, ta.reopens)
	}
	ta.idle.Signal()
}

// release marks an entry that will never be opened
func (ta *tarArchive) release(entry *tarEntrySource) {
	ta.mutex.Lock()
	defer ta.mutex.Unlock()

	entry.finish.Do(func() { ta.pending-- })
	if ta.pending <= 0 && !ta.busy && ta.stream != nil {
		ta.stream.Close()
		ta.stream = nil
		debugLog("archive", "Closed %s (%d rewinds)", ta.path, ta.reopens)
	}
}

// tarEntrySource is one entry of a tar archive, located by header ordinal
type tarEntrySource struct {
	archive  *tarArchive
	ordinal  int
	name     string
	identity FileIdentity
	finish   sync.Once
}

func (ts *tarEntrySource) Identity() FileIdentity {
	return ts.identity
}

// Open waits for the shared stream, then skips forward to this entry; bytes
// of the entry itself are decompressed only as they are read
func (ts *tarEntrySource) Open() (io.ReadCloser, error) {
	ta := ts.archive
	ta.mutex.Lock()
	for ta.busy {
		ta.idle.Wait()
	}
	ta.busy = true
	ta.mutex.Unlock()

	if err := ta.open(ts.ordinal, ts.name); err != nil {
		ta.done(ts, true)
		return nil, err
	}
	var closeOnce sync.Once
	return &archiveEntryReader{
		Reader: ta.stream,
		closers: []func() error{func() error {
			closeOnce.Do(func() { ta.done(ts, false) })
			return nil
		}},
	}, nil
}

// Release gives up this entry without opening it
func (ts *tarEntrySource) Release() {
	ts.archive.release(ts)
}

func listTar(fs afero.Fs, archivePath string, info os.FileInfo, kind ArchiveKind) ([]FileSource, error) {
	stream, err := openTarStream(fs, archivePath, kind)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	archive := newTarArchive(fs, archivePath, info, kind)
	var sources []FileSource
	for i := 0; ; i++ {
		hdr, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to list %s: %w", ErrUnreadable, archivePath, err)
		}
		if !hdr.FileInfo().Mode().IsRegular() {
			continue
		}
		sources = append(sources, &tarEntrySource{
			archive: archive,
			ordinal: i,
			name:    hdr.Name,
			identity: FileIdentity{
				Path:      archiveEntryPath(archivePath, hdr.Name),
				Size:      hdr.Size,
				ModTime:   hdr.ModTime,
				Container: archivePath,
			},
		})
	}
	archive.pending = len(sources)
	VerboseLog(2, "Listed %d entries in %s (%s)", len(sources), archivePath, kind)
	return sources, nil
}

// archiveEntryReader closes its decompressor and releases the archive handle
type archiveEntryReader struct {
	io.Reader
	closers []func() error
}

func (ar *archiveEntryReader) Close() error {
	var firstErr error
	for _, closeFn := range ar.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

package dircachefingerprint

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"syscall"
	"time"
	"unsafe"

	"github.com/google/vectorio"
	"golang.org/x/sys/unix"
)

// indexHeader represents the file header in host byte order (cast directly to mmap'd memory)
type indexHeader struct {
	Signature    [4]byte  // "dcfp" signature
	Version      uint32   // Index version (host order)
	ByteOrder    uint64   // Byte order detection magic - MUST be checked before other fields
	EntryCount   uint32   // Number of entries (host order)
	Flags        uint16   // Index flags (host order)
	ChecksumType uint16   // Checksum algorithm type (hash type ID)
	Checksum     [64]byte // Checksum of header (up to Checksum) + entries
}

// binaryEntry is the fixed part of one cache record. It is followed by the
// path bytes, the container bytes, the digest records and zero padding up to
// an 8-byte boundary. Each digest record is nameLen(1) sumLen(1) name sum.
type binaryEntry struct {
	Size         uint32 // Total size of this entry including padding - MUST BE FIRST
	PathLen      uint16
	ContainerLen uint16
	MTimeWall    uint64 // Modification time (wall encoding, see timeWall)
	FileSize     uint64 // File size in bytes
	EntryFlags   uint16
	DigestCount  uint16
	DigestLen    uint32 // Bytes of digest records
}

// Build-time assertions for struct layout assumptions
var (
	_ = [1]struct{}{}[unsafe.Sizeof(indexHeader{})-HeaderSize]
	_ = [1]struct{}{}[unsafe.Sizeof(binaryEntry{})-EntryHeaderSize]
)

// mmapCacheFile is a read-only mapping of a cache index file
type mmapCacheFile struct {
	Data     []byte
	FilePath string
}

// Cleanup unmaps the file
func (mcf *mmapCacheFile) Cleanup() error {
	if mcf == nil || mcf.Data == nil {
		return nil
	}
	if err := unix.Munmap(mcf.Data); err != nil {
		return fmt.Errorf("failed to unmap %s: %w", mcf.FilePath, err)
	}
	mcf.Data = nil
	return nil
}

// Header returns a direct pointer to the header in mmap'd memory (zero-copy)
func (mcf *mmapCacheFile) Header() *indexHeader {
	return (*indexHeader)(unsafe.Pointer(&mcf.Data[0]))
}

// ValidateSignature checks if the signature matches expected value
func (ih *indexHeader) ValidateSignature(expected [4]byte) error {
	if ih.Signature != expected {
		return fmt.Errorf("invalid signature: got %q, expected %q",
			string(ih.Signature[:]), string(expected[:]))
	}
	return nil
}

// ValidateVersion checks if the version is supported
func (ih *indexHeader) ValidateVersion(expected uint32) error {
	if ih.Version != expected {
		return fmt.Errorf("unsupported version: got %d, expected %d", ih.Version, expected)
	}
	return nil
}

// ValidateByteOrder checks if the byte order matches the host machine
func (ih *indexHeader) ValidateByteOrder() error {
	if ih.ByteOrder != ByteOrderMagic {
		return fmt.Errorf("byte order mismatch: index file byte order 0x%016x does not match host byte order 0x%016x",
			ih.ByteOrder, ByteOrderMagic)
	}
	return nil
}

// SetHeader initialises every header field except the checksum
func (ih *indexHeader) SetHeader(signature [4]byte, version uint32, entryCount uint32, flags uint16, checksumType uint16) {
	ih.Signature = signature
	ih.Version = version
	ih.ByteOrder = ByteOrderMagic
	ih.EntryCount = entryCount
	ih.Flags = flags
	ih.ChecksumType = checksumType
	ih.Checksum = [64]byte{}
}

func (ih *indexHeader) isClean() bool {
	return ih.Flags&IndexFlagClean != 0
}

func (ih *indexHeader) setClean() {
	ih.Flags |= IndexFlagClean
}

func (ih *indexHeader) headerBytesBeforeChecksum() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(ih)), unsafe.Offsetof(ih.Checksum))
}

func newChecksumHasher(checksumType uint16) (hash.Hash, error) {
	switch checksumType {
	case HashTypeSHA1:
		return sha1.New(), nil
	case HashTypeSHA256:
		return sha256.New(), nil
	case HashTypeSHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum type: %d", checksumType)
	}
}

// ============================================================================
// ENTRY ENCODING
// ============================================================================

// cacheEntryRef is one encoded entry, backed either by the mmap'd cache file
// or by a heap buffer for entries written during this run
type cacheEntryRef struct {
	data []byte
}

func (ref *cacheEntryRef) entry() *binaryEntry {
	return (*binaryEntry)(unsafe.Pointer(&ref.data[0]))
}

// Path returns a heap copy of the logical path
func (ref *cacheEntryRef) Path() string {
	e := ref.entry()
	return string(ref.data[EntryHeaderSize : EntryHeaderSize+int(e.PathLen)])
}

// Container returns a heap copy of the container tag
func (ref *cacheEntryRef) Container() string {
	e := ref.entry()
	start := EntryHeaderSize + int(e.PathLen)
	return string(ref.data[start : start+int(e.ContainerLen)])
}

// Key returns the skiplist key for this entry
func (ref *cacheEntryRef) Key() string {
	return identityKey(ref.Path(), ref.Container())
}

// Identity reconstructs the stored identity
func (ref *cacheEntryRef) Identity() FileIdentity {
	e := ref.entry()
	return FileIdentity{
		Path:      ref.Path(),
		Size:      int64(e.FileSize),
		ModTime:   timeFromWall(e.MTimeWall),
		Container: ref.Container(),
	}
}

// Digests returns heap copies of every stored digest record
func (ref *cacheEntryRef) Digests() []Digest {
	e := ref.entry()
	offset := EntryHeaderSize + int(e.PathLen) + int(e.ContainerLen)
	digests := make([]Digest, 0, e.DigestCount)
	for i := 0; i < int(e.DigestCount); i++ {
		nameLen := int(ref.data[offset])
		sumLen := int(ref.data[offset+1])
		offset += 2
		name := string(ref.data[offset : offset+nameLen])
		offset += nameLen
		sum := make([]byte, sumLen)
		copy(sum, ref.data[offset:offset+sumLen])
		offset += sumLen
		digests = append(digests, Digest{Algorithm: name, Sum: sum})
	}
	return digests
}

// matchesIdentity reports whether size and mtime equal the stored values
func (ref *cacheEntryRef) matchesIdentity(id FileIdentity) bool {
	e := ref.entry()
	return wallRepresentable(id.ModTime) && e.FileSize == uint64(id.Size) && e.MTimeWall == timeWall(id.ModTime)
}

// CESizeFromLens calculates the padded size of an entry
func CESizeFromLens(pathLen, containerLen, digestLen int) int {
	total := EntryHeaderSize + pathLen + containerLen + digestLen
	padding := (8 - (total % 8)) % 8
	return total + padding
}

// alignedBuffer returns an 8-byte aligned zeroed buffer of size bytes (size%8 == 0)
func alignedBuffer(size int) []byte {
	words := make([]uint64, size/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

// encodeCacheEntry serialises an identity and its digests into a heap entry
func encodeCacheEntry(id FileIdentity, digests []Digest) (cacheEntryRef, error) {
	if id.Path == "" {
		return cacheEntryRef{}, fmt.Errorf("cannot encode entry with empty path")
	}
	if !wallRepresentable(id.ModTime) {
		return cacheEntryRef{}, fmt.Errorf("mtime %s of %s cannot be stored exactly", id.ModTime.UTC().Format(time.RFC3339), id.Path)
	}
	if len(id.Path) > 0xFFFF || len(id.Container) > 0xFFFF {
		return cacheEntryRef{}, fmt.Errorf("path too long for cache entry: %s", id.Path)
	}
	if len(digests) > 0xFFFF {
		return cacheEntryRef{}, fmt.Errorf("too many digests for %s", id.Path)
	}
	digestLen := 0
	for _, d := range digests {
		if len(d.Algorithm) == 0 || len(d.Algorithm) > maxAlgorithmNameLen || len(d.Sum) > maxDigestLen {
			return cacheEntryRef{}, fmt.Errorf("digest %q does not fit a cache record", d.Algorithm)
		}
		digestLen += 2 + len(d.Algorithm) + len(d.Sum)
	}

	size := CESizeFromLens(len(id.Path), len(id.Container), digestLen)
	if size > MaxEntrySize {
		return cacheEntryRef{}, fmt.Errorf("cache entry for %s too large (%d bytes)", id.Path, size)
	}

	data := alignedBuffer(size)
	e := (*binaryEntry)(unsafe.Pointer(&data[0]))
	e.Size = uint32(size)
	e.PathLen = uint16(len(id.Path))
	e.ContainerLen = uint16(len(id.Container))
	e.MTimeWall = timeWall(id.ModTime)
	e.FileSize = uint64(id.Size)
	e.DigestCount = uint16(len(digests))
	e.DigestLen = uint32(digestLen)
	if id.Container != "" {
		e.EntryFlags |= EntryFlagArchived
	}

	offset := EntryHeaderSize
	offset += copy(data[offset:], id.Path)
	offset += copy(data[offset:], id.Container)
	for _, d := range digests {
		data[offset] = byte(len(d.Algorithm))
		data[offset+1] = byte(len(d.Sum))
		offset += 2
		offset += copy(data[offset:], d.Algorithm)
		offset += copy(data[offset:], d.Sum)
	}

	return cacheEntryRef{data: data}, nil
}

// validateEntryAt checks the entry starting at data[offset] and returns its size
func validateEntryAt(data []byte, offset int) (int, error) {
	remaining := len(data) - offset
	if remaining < EntryHeaderSize {
		return 0, fmt.Errorf("entry at offset %d truncated: %d bytes left", offset, remaining)
	}
	if offset%8 != 0 {
		return 0, fmt.Errorf("entry at offset %d not 8-byte aligned", offset)
	}
	e := (*binaryEntry)(unsafe.Pointer(&data[offset]))
	size := int(e.Size)
	if size < EntryHeaderSize || size%8 != 0 || size > MaxEntrySize {
		return 0, fmt.Errorf("entry at offset %d has invalid size %d", offset, size)
	}
	if size > remaining {
		return 0, fmt.Errorf("entry at offset %d overruns file (size %d, %d bytes left)", offset, size, remaining)
	}
	if e.PathLen == 0 {
		return size, fmt.Errorf("entry at offset %d has zero-length path", offset)
	}
	expected := CESizeFromLens(int(e.PathLen), int(e.ContainerLen), int(e.DigestLen))
	if expected != size {
		return size, fmt.Errorf("entry at offset %d size %d doesn't match calculated size %d", offset, size, expected)
	}

	// Walk digest records
	pos := offset + EntryHeaderSize + int(e.PathLen) + int(e.ContainerLen)
	end := pos + int(e.DigestLen)
	for i := 0; i < int(e.DigestCount); i++ {
		if pos+2 > end {
			return size, fmt.Errorf("entry at offset %d: digest record %d truncated", offset, i)
		}
		nameLen := int(data[pos])
		sumLen := int(data[pos+1])
		if nameLen == 0 {
			return size, fmt.Errorf("entry at offset %d: digest record %d has no name", offset, i)
		}
		pos += 2 + nameLen + sumLen
		if pos > end {
			return size, fmt.Errorf("entry at offset %d: digest record %d overruns entry", offset, i)
		}
	}
	if pos != end {
		return size, fmt.Errorf("entry at offset %d: %d stray digest bytes", offset, end-pos)
	}
	return size, nil
}

// ============================================================================
// LOADING
// ============================================================================

// loadCacheIndexFile maps path and returns references into the mapping.
// A missing file is not an error: it yields no mapping and no entries.
func loadCacheIndexFile(path string) (*mmapCacheFile, []cacheEntryRef, error) {
	defer VerboseEnter()()

	mapped, err := mapCacheIndexFile(path)
	if err != nil || mapped == nil {
		return nil, nil, err
	}

	header := mapped.Header()
	if err := validateCacheHeader(header); err != nil {
		mapped.Cleanup()
		return nil, nil, err
	}
	if err := verifyHeaderChecksum(mapped.Data, header); err != nil {
		mapped.Cleanup()
		return nil, nil, err
	}

	refs := make([]cacheEntryRef, 0, header.EntryCount)
	offset := HeaderSize
	for i := uint32(0); i < header.EntryCount; i++ {
		size, err := validateEntryAt(mapped.Data, offset)
		if err != nil {
			mapped.Cleanup()
			return nil, nil, fmt.Errorf("entry %d: %w", i, err)
		}
		refs = append(refs, cacheEntryRef{data: mapped.Data[offset : offset+size : offset+size]})
		offset += size
	}
	if offset != len(mapped.Data) {
		mapped.Cleanup()
		return nil, nil, fmt.Errorf("%d trailing bytes after %d entries", len(mapped.Data)-offset, header.EntryCount)
	}

	debugLog("cache", "Loaded %d entries from %s", len(refs), path)
	return mapped, refs, nil
}

// mapCacheIndexFile maps the whole file read-only; nil, nil if it does not exist
func mapCacheIndexFile(path string) (*mmapCacheFile, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat cache index: %w", err)
	}
	if info.Size() < HeaderSize {
		return nil, fmt.Errorf("cache index %s too small (%d bytes)", path, info.Size())
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap cache index: %w", err)
	}
	return &mmapCacheFile{Data: data, FilePath: path}, nil
}

func validateCacheHeader(header *indexHeader) error {
	if err := header.ValidateByteOrder(); err != nil {
		return err
	}
	if err := header.ValidateSignature(CacheSignature); err != nil {
		return err
	}
	if err := header.ValidateVersion(CurrentIndexVersion); err != nil {
		return err
	}
	if !header.isClean() {
		return fmt.Errorf("cache index was not closed cleanly")
	}
	return nil
}

// verifyHeaderChecksum verifies the checksum stored in the header
func verifyHeaderChecksum(data []byte, header *indexHeader) error {
	hasher, err := newChecksumHasher(header.ChecksumType)
	if err != nil {
		return err
	}
	hasher.Write(header.headerBytesBeforeChecksum())
	hasher.Write(data[HeaderSize:])
	calculated := hasher.Sum(nil)

	for i := range calculated {
		if header.Checksum[i] != calculated[i] {
			return fmt.Errorf("checksum mismatch at byte %d", i)
		}
	}
	return nil
}

// ============================================================================
// WRITING
// ============================================================================

// writeCacheIndexFile writes entries to a temp file with vectored I/O and
// renames it over path
func writeCacheIndexFile(path string, entryIovecs []syscall.Iovec) error {
	defer VerboseEnter()()

	totalEntrySize := 0
	for _, iovec := range entryIovecs {
		totalEntrySize += int(iovec.Len)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tempPath := generateTempFileName(filepath.Dir(path), "cache")
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp cache file %s: %w", tempPath, err)
	}
	committed := false
	defer func() {
		file.Close()
		if !committed {
			os.Remove(tempPath)
		}
	}()

	header := indexHeader{}
	header.SetHeader(CacheSignature, CurrentIndexVersion, uint32(len(entryIovecs)), 0, HashTypeSHA256)

	headerIovec := syscall.Iovec{Base: (*byte)(unsafe.Pointer(&header))}
	headerIovec.SetLen(HeaderSize)

	if nw, err := vectorio.WritevRaw(file.Fd(), []syscall.Iovec{headerIovec}); err != nil {
		return fmt.Errorf("failed to write header with vectorio: %w", err)
	} else if nw != HeaderSize {
		return fmt.Errorf("header write incomplete: wrote %d bytes, expected %d", nw, HeaderSize)
	}

	if len(entryIovecs) > 0 {
		maxIovecs := maxWriteIovecs
		totalWritten := 0
		for offset := 0; offset < len(entryIovecs); offset += maxIovecs {
			end := offset + maxIovecs
			if end > len(entryIovecs) {
				end = len(entryIovecs)
			}
			nw, err := vectorio.WritevRaw(file.Fd(), entryIovecs[offset:end])
			if err != nil {
				return fmt.Errorf("failed to write entries chunk with vectorio: %w", err)
			}
			totalWritten += nw
		}
		if totalWritten != totalEntrySize {
			return fmt.Errorf("entries write incomplete: wrote %d bytes, expected %d", totalWritten, totalEntrySize)
		}
	}

	// Mark clean before checksumming, then rewrite the header
	header.setClean()
	hasher := sha256.New()
	hasher.Write(header.headerBytesBeforeChecksum())
	for _, iovec := range entryIovecs {
		hasher.Write(unsafe.Slice(iovec.Base, int(iovec.Len)))
	}
	copy(header.Checksum[:], hasher.Sum(nil))

	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to seek to beginning for final header: %w", err)
	}
	if nw, err := vectorio.WritevRaw(file.Fd(), []syscall.Iovec{headerIovec}); err != nil {
		return fmt.Errorf("failed to write final header with vectorio: %w", err)
	} else if nw != HeaderSize {
		return fmt.Errorf("final header write incomplete: wrote %d bytes, expected %d", nw, HeaderSize)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp cache file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", tempPath, path, err)
	}
	committed = true

	debugLog("cache", "Wrote %d entries (%d bytes) to %s", len(entryIovecs), HeaderSize+totalEntrySize, path)
	return nil
}

// maxWriteIovecs caps the iovecs handed to one writev call. sysconf is a
// libc function, not a syscall, so IOV_MAX is fixed at the Linux and BSD
// value (golang/go#58623).
const maxWriteIovecs = 1024

const unixTo1885 = 2682374400

// wallRepresentable reports whether timeWall holds t exactly (1885 up to about 2429)
func wallRepresentable(t time.Time) bool {
	sec := t.Unix() + unixTo1885
	return sec >= 0 && sec < 1<<34
}

// timeWall converts a time.Time to a uint64 wall time format for storage
// Uses custom format: 34 bits seconds since Jan 1, 1885 + 30 bits nanoseconds
// Times outside wallRepresentable encode as 0; they are never cached and
// never match a stored entry.
func timeWall(t time.Time) uint64 {
	if !wallRepresentable(t) {
		return 0
	}
	sec := t.Unix() + unixTo1885
	return (uint64(sec) << 30) | uint64(t.Nanosecond())
}

// timeFromWall reconstructs a time.Time from wall time format
func timeFromWall(wall uint64) time.Time {
	nsec := int64(wall & 0x3FFFFFFF)
	sec := int64(wall>>30) - unixTo1885
	return time.Unix(sec, nsec)
}

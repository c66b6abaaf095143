package dircachefingerprint

import (
	"fmt"
	"os"
	"time"
	"unsafe"
)

// IndexIssue is one problem found while scanning a cache index
type IndexIssue struct {
	Offset int    // byte offset in the file
	Entry  int    // ordinal of the entry slot, -1 for header problems
	Path   string // entry path when it could be read
	Err    error
}

func (ii IndexIssue) String() string {
	if ii.Entry < 0 {
		return fmt.Sprintf("header: %v", ii.Err)
	}
	if ii.Path != "" {
		return fmt.Sprintf("entry %d (%s) at offset %d: %v", ii.Entry, ii.Path, ii.Offset, ii.Err)
	}
	return fmt.Sprintf("entry %d at offset %d: %v", ii.Entry, ii.Offset, ii.Err)
}

// IndexCheckResult describes the state of a cache index file
type IndexCheckResult struct {
	Path            string
	Exists          bool
	DeclaredEntries uint32
	ValidEntries    int
	Duplicates      int // later entries with a key already seen
	Issues          []IndexIssue

	valid []cacheEntryRef // heap copies, in file order
}

// OK reports whether the index is fully consistent
func (r *IndexCheckResult) OK() bool {
	return len(r.Issues) == 0 && r.Duplicates == 0
}

// CheckCacheIndex scans the index at path leniently: bad entries are
// reported and stepped over rather than stopping the scan
func CheckCacheIndex(path string) (*IndexCheckResult, error) {
	defer VerboseEnter()()

	result := &IndexCheckResult{Path: path}
	mapped, err := mapCacheIndexFile(path)
	if err != nil {
		result.Exists = true
		result.Issues = append(result.Issues, IndexIssue{Entry: -1, Err: err})
		return result, nil
	}
	if mapped == nil {
		return result, nil
	}
	defer mapped.Cleanup()
	result.Exists = true

	header := mapped.Header()
	if err := header.ValidateByteOrder(); err != nil {
		return nil, fmt.Errorf("cannot scan %s: %w", path, err)
	}
	if err := header.ValidateSignature(CacheSignature); err != nil {
		return nil, fmt.Errorf("cannot scan %s: %w", path, err)
	}
	if err := header.ValidateVersion(CurrentIndexVersion); err != nil {
		return nil, fmt.Errorf("cannot scan %s: %w", path, err)
	}
	result.DeclaredEntries = header.EntryCount
	if !header.isClean() {
		result.Issues = append(result.Issues, IndexIssue{Entry: -1, Err: fmt.Errorf("index was not closed cleanly")})
	}
	if err := verifyHeaderChecksum(mapped.Data, header); err != nil {
		result.Issues = append(result.Issues, IndexIssue{Entry: -1, Err: err})
	}

	seen := make(map[string]int)
	data := mapped.Data
	offset := HeaderSize
	slot := 0
	for offset < len(data) {
		size, err := validateEntryAt(data, offset)
		if err == nil {
			err = checkEntryDigests(data[offset : offset+size])
		}
		if err != nil {
			issue := IndexIssue{Offset: offset, Entry: slot, Err: err}
			if size > 0 {
				issue.Path = safeEntryPath(data[offset : offset+size])
				result.Issues = append(result.Issues, issue)
				offset += size
				slot++
				continue
			}
			result.Issues = append(result.Issues, issue)
			next := resyncOffset(data, offset+8)
			if next < 0 {
				result.Issues = append(result.Issues, IndexIssue{Offset: offset, Entry: slot,
					Err: fmt.Errorf("%d unreadable bytes at end of index", len(data)-offset)})
				break
			}
			offset = next
			slot++
			continue
		}

		ref := copyCacheEntry(data[offset : offset+size])
		if previous, ok := seen[ref.Key()]; ok {
			result.valid[previous] = ref
			result.Duplicates++
		} else {
			seen[ref.Key()] = len(result.valid)
			result.valid = append(result.valid, ref)
		}
		offset += size
		slot++
	}

	result.ValidEntries = len(result.valid)
	if uint32(slot) != header.EntryCount {
		result.Issues = append(result.Issues, IndexIssue{Entry: -1,
			Err: fmt.Errorf("header declares %d entries, found %d", header.EntryCount, slot)})
	}
	return result, nil
}

// checkEntryDigests rejects digests whose length disagrees with a known algorithm
func checkEntryDigests(data []byte) error {
	ref := cacheEntryRef{data: data}
	for _, d := range ref.Digests() {
		alg, err := GetHashAlgorithm(d.Algorithm)
		if err != nil {
			continue // unknown algorithms are kept as-is
		}
		if len(d.Sum) != alg.Size {
			return fmt.Errorf("%s digest is %d bytes, expected %d", d.Algorithm, len(d.Sum), alg.Size)
		}
	}
	if ts := timeFromWall(ref.entry().MTimeWall); ts.After(time.Now().AddDate(100, 0, 0)) {
		return fmt.Errorf("modification time %s is implausible", ts.Format(time.RFC3339))
	}
	return nil
}

// resyncOffset finds the next 8-aligned offset at which a valid entry starts
func resyncOffset(data []byte, from int) int {
	for offset := from; offset+EntryHeaderSize <= len(data); offset += 8 {
		if _, err := validateEntryAt(data, offset); err == nil {
			return offset
		}
	}
	return -1
}

// safeEntryPath returns the path of a structurally damaged entry if its bounds allow
func safeEntryPath(data []byte) string {
	if len(data) < EntryHeaderSize {
		return ""
	}
	e := (*binaryEntry)(unsafe.Pointer(&data[0]))
	end := EntryHeaderSize + int(e.PathLen)
	if end > len(data) {
		return ""
	}
	return string(data[EntryHeaderSize:end])
}

// copyCacheEntry moves an entry out of a mapping into an aligned heap buffer
func copyCacheEntry(data []byte) cacheEntryRef {
	buf := alignedBuffer(len(data))
	copy(buf, data)
	return cacheEntryRef{data: buf}
}

// RepairCacheIndex rewrites the index keeping only valid entries. The
// original is first copied to a timestamped backup. With dryRun nothing is
// written. The returned backup path is empty when no backup was made.
func RepairCacheIndex(path string, dryRun bool) (*IndexCheckResult, string, error) {
	defer VerboseEnter()()

	result, err := CheckCacheIndex(path)
	if err != nil {
		return nil, "", err
	}
	if !result.Exists || result.OK() || dryRun {
		return result, "", nil
	}

	backup := fmt.Sprintf("%s.backup-%d", path, time.Now().Unix())
	if err := copyFileWithMetadata(path, backup); err != nil {
		return result, "", fmt.Errorf("failed to back up %s: %w", path, err)
	}
	VerboseLog(1, "Backed up %s to %s", path, backup)

	entries := NewSkiplistWrapper(16)
	for _, ref := range result.valid {
		entries.Replace(ref, RunContext)
	}
	if err := writeCacheIndexFile(path, entries.ToIovecSlice()); err != nil {
		return result, backup, fmt.Errorf("failed to rewrite %s: %w", path, err)
	}
	VerboseLog(1, "Rewrote %s with %d entries (%d issues dropped)", path, entries.Length(), len(result.Issues))
	return result, backup, nil
}

// copyFileWithMetadata copies a file while preserving its mtime
func copyFileWithMetadata(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}

	sourceData, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read source file: %w", err)
	}

	if err := os.WriteFile(dst, sourceData, srcInfo.Mode()); err != nil {
		return fmt.Errorf("failed to write destination file: %w", err)
	}

	if err := os.Chtimes(dst, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		VerboseLog(2, "Warning: failed to preserve mtime for %s: %v", dst, err)
	}
	return nil
}

package dircachefingerprint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// EntryInfo is a read-only copy of one cache index entry for external tools
type EntryInfo struct {
	Path      string
	Container string
	Size      int64
	ModTime   time.Time
	MTimeWall uint64
	Digests   []Digest
}

// Archived reports whether the entry lives inside an archive
func (ei *EntryInfo) Archived() bool {
	return ei.Container != ""
}

// HexDigest returns the lowercase hex digest for algorithm, or ""
func (ei *EntryInfo) HexDigest(algorithm string) string {
	for _, d := range ei.Digests {
		if d.Algorithm == algorithm {
			return d.Hex()
		}
	}
	return ""
}

// Identity returns the identity the entry was stored under
func (ei *EntryInfo) Identity() FileIdentity {
	return FileIdentity{Path: ei.Path, Size: ei.Size, ModTime: ei.ModTime, Container: ei.Container}
}

// IsStale reports whether the entry no longer describes what is on disk.
// Archive entries are only checked for their container still existing.
func (ei *EntryInfo) IsStale(fs afero.Fs) bool {
	if ei.Archived() {
		_, err := fs.Stat(ei.Container)
		return err != nil
	}
	info, err := fs.Stat(ei.Path)
	if err != nil {
		return true
	}
	return info.Size() != ei.Size || !wallRepresentable(info.ModTime()) || timeWall(info.ModTime()) != ei.MTimeWall
}

// EntryCallback is called for each entry; returning false stops iteration
type EntryCallback func(entry *EntryInfo) bool

// IterateCacheIndex loads a cache index and calls callback for each entry in
// key order. A missing file has no entries.
func IterateCacheIndex(indexPath string, callback EntryCallback) error {
	mapped, refs, err := loadCacheIndexFile(indexPath)
	if err != nil {
		return fmt.Errorf("failed to load cache index: %w", err)
	}
	defer mapped.Cleanup()

	entries := NewSkiplistWrapper(16)
	for _, ref := range refs {
		entries.Insert(ref, DiskContext)
	}

	entries.ForEach(func(ref *cacheEntryRef, context string) bool {
		e := ref.entry()
		return callback(&EntryInfo{
			Path:      ref.Path(),
			Container: ref.Container(),
			Size:      int64(e.FileSize),
			ModTime:   timeFromWall(e.MTimeWall),
			MTimeWall: e.MTimeWall,
			Digests:   ref.Digests(),
		})
	})
	return nil
}

// ResolveCacheIndex returns the cache index path for a repository. An empty
// repo is discovered upward from the working directory; a path ending in .idx
// is used as given.
func ResolveCacheIndex(repo string) (string, error) {
	if strings.HasSuffix(repo, ".idx") {
		if _, err := os.Stat(repo); err != nil {
			return "", fmt.Errorf("index file not found: %s", repo)
		}
		return repo, nil
	}

	if repo == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
		repo = cwd
	}
	if filepath.Base(repo) == RepoDirName {
		repo = filepath.Dir(repo)
	}

	root, err := FindRepositoryRoot(repo)
	if err != nil {
		return "", err
	}
	if !RepoExists(root) {
		return "", fmt.Errorf("not a dcfp repository (or any of the parent directories): %s not found", RepoDirName)
	}
	return filepath.Join(root, RepoDirName, CacheIndex), nil
}

// TimeFromWall converts the index's wall time encoding to time.Time
func TimeFromWall(wall uint64) time.Time {
	return timeFromWall(wall)
}

// TimeToWall converts time.Time to the index's wall time encoding
func TimeToWall(t time.Time) uint64 {
	return timeWall(t)
}

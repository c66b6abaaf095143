package dircachefingerprint

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// indexCacheStore is the binary cache index backend. Entries loaded from disk
// are read in place from the mapping; entries put during the run live on the
// heap. Flush rewrites the whole file.
type indexCacheStore struct {
	path    string
	mutex   sync.Mutex
	entries *skiplistWrapper
	mapped  *mmapCacheFile
	dirty   bool
	closed  bool

	warnings []string
}

// OpenIndexCacheStore loads the cache index at path. A corrupt index is moved
// aside and replaced with an empty cache; the run continues uncached.
func OpenIndexCacheStore(path string) (CacheStore, error) {
	store := &indexCacheStore{
		path:    path,
		entries: NewSkiplistWrapper(16),
	}

	mapped, refs, err := loadCacheIndexFile(path)
	if err != nil {
		backup := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		WarnLog("cache index %s unusable (%v), moving it to %s", path, err, backup)
		if renameErr := os.Rename(path, backup); renameErr != nil {
			return nil, fmt.Errorf("%w: cannot move corrupt cache index aside: %w", ErrCacheUnavailable, renameErr)
		}
		store.warnings = append(store.warnings, fmt.Sprintf("cache index unusable, moved to %s: %v", backup, err))
		return store, nil
	}

	store.mapped = mapped
	for _, ref := range refs {
		store.entries.Insert(ref, DiskContext)
	}
	VerboseLog(2, "Cache index %s: %d entries", path, len(refs))
	return store, nil
}

func (s *indexCacheStore) Lookup(id FileIdentity) (*Fingerprint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: cache index %s is closed", ErrCacheUnavailable, s.path)
	}

	ref, _ := s.entries.Find(id.Key())
	if ref == nil {
		return nil, nil
	}
	if !ref.matchesIdentity(id) {
		debugLog("cache", "Stale entry for %s", id.Path)
		return nil, nil
	}
	return &Fingerprint{Identity: id, Digests: ref.Digests(), BytesRead: id.Size}, nil
}

func (s *indexCacheStore) Put(fp *Fingerprint) error {
	if err := checkCacheable(fp); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return fmt.Errorf("%w: cache index %s is closed", ErrCacheUnavailable, s.path)
	}
	if !wallRepresentable(fp.Identity.ModTime) {
		debugLog("cache", "Not caching %s: mtime %v outside the index range", fp.Identity.Path, fp.Identity.ModTime)
		return nil
	}

	digests := fp.Digests
	if existing, _ := s.entries.Find(fp.Identity.Key()); existing != nil && existing.matchesIdentity(fp.Identity) {
		digests = keepExtraDigests(fp, existing.Digests())
	}

	ref, err := encodeCacheEntry(fp.Identity, digests)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	s.entries.Replace(ref, RunContext)
	s.dirty = true
	return nil
}

func (s *indexCacheStore) Flush() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.flushLocked()
}

func (s *indexCacheStore) flushLocked() error {
	if !s.dirty || s.closed {
		return nil
	}
	if err := writeCacheIndexFile(s.path, s.entries.ToIovecSlice()); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	s.dirty = false
	return nil
}

func (s *indexCacheStore) Stats() (*CacheStats, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stats := &CacheStats{Backend: CacheBackendIndex, Location: s.path, Algorithms: make(map[string]int)}
	s.entries.ForEach(func(ref *cacheEntryRef, context string) bool {
		stats.Entries++
		if ref.entry().EntryFlags&EntryFlagArchived != 0 {
			stats.Archived++
		}
		for _, d := range ref.Digests() {
			stats.Algorithms[d.Algorithm]++
		}
		return true
	})
	return stats, nil
}

// Close flushes pending entries and unmaps the index
func (s *indexCacheStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil
	}
	flushErr := s.flushLocked()
	s.closed = true
	s.entries = NewSkiplistWrapper(16)
	if err := s.mapped.Cleanup(); err != nil && flushErr == nil {
		return err
	}
	return flushErr
}

// Warnings returns problems met while opening the index
func (s *indexCacheStore) Warnings() []string {
	return s.warnings
}

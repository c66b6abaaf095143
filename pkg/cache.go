package dircachefingerprint

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// CacheStore persists fingerprints keyed by file identity.
//
// Lookup returns nil, nil when nothing usable is stored. A stored record is
// usable only if its size and modification time equal the query exactly; it
// may hold fewer algorithms than the caller wants, in which case the caller
// computes the rest. Errors wrap ErrCacheUnavailable and callers treat them as
// a miss. Put is last-write-wins and may be called concurrently for distinct
// identities.
type CacheStore interface {
	Lookup(id FileIdentity) (*Fingerprint, error)
	Put(fp *Fingerprint) error
	Flush() error
	Stats() (*CacheStats, error)
	Close() error
}

// CacheStats summarises a cache's contents
type CacheStats struct {
	Backend    string         `json:"backend"`
	Location   string         `json:"location,omitempty"`
	Entries    int            `json:"entries"`
	Archived   int            `json:"archived"`
	Algorithms map[string]int `json:"algorithms"` // entries holding each algorithm
}

// AlgorithmNames returns the algorithms seen in the cache, sorted
func (cs *CacheStats) AlgorithmNames() []string {
	names := make([]string, 0, len(cs.Algorithms))
	for name := range cs.Algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Cache backends
const (
	CacheBackendIndex  = "index"
	CacheBackendDuckDB = "duckdb"
	CacheBackendNone   = "none"
)

// OpenCacheStore opens the configured backend inside the repository directory
func OpenCacheStore(backend, repoDir string) (CacheStore, error) {
	switch strings.ToLower(backend) {
	case "", CacheBackendIndex:
		return OpenIndexCacheStore(filepath.Join(repoDir, CacheIndex))
	case CacheBackendDuckDB:
		return OpenDuckDBCacheStore(filepath.Join(repoDir, CacheDuckDB))
	case CacheBackendNone:
		return NewNullCacheStore(), nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", backend)
	}
}

// nullCacheStore never hits and discards writes
type nullCacheStore struct{}

// NewNullCacheStore returns a store that caches nothing
func NewNullCacheStore() CacheStore {
	return nullCacheStore{}
}

func (nullCacheStore) Lookup(id FileIdentity) (*Fingerprint, error) { return nil, nil }
func (nullCacheStore) Put(fp *Fingerprint) error                   { return nil }
func (nullCacheStore) Flush() error                                 { return nil }
func (nullCacheStore) Close() error                                 { return nil }

func (nullCacheStore) Stats() (*CacheStats, error) {
	return &CacheStats{Backend: CacheBackendNone, Algorithms: map[string]int{}}, nil
}

// checkCacheable rejects fingerprints that must never be stored
func checkCacheable(fp *Fingerprint) error {
	if fp == nil {
		return fmt.Errorf("nil fingerprint")
	}
	if fp.Incomplete {
		return fmt.Errorf("refusing to cache incomplete fingerprint for %s", fp.Identity.Path)
	}
	if len(fp.Digests) == 0 {
		return fmt.Errorf("refusing to cache fingerprint without digests for %s", fp.Identity.Path)
	}
	return nil
}

// keepExtraDigests returns stored digests for algorithms fp does not carry
func keepExtraDigests(fp *Fingerprint, stored []Digest) []Digest {
	digests := append([]Digest(nil), fp.Digests...)
	for _, d := range stored {
		if _, ok := fp.Digest(d.Algorithm); !ok {
			digests = append(digests, d)
		}
	}
	return digests
}

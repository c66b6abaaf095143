package dircachefingerprint

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingCache is an in-memory CacheStore that counts calls
type recordingCache struct {
	mutex     sync.Mutex
	entries   map[string]*Fingerprint
	puts      int
	lookupErr error
	putErr    error
}

func newRecordingCache() *recordingCache {
	return &recordingCache{entries: make(map[string]*Fingerprint)}
}

func (rc *recordingCache) Lookup(id FileIdentity) (*Fingerprint, error) {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()
	if rc.lookupErr != nil {
		return nil, rc.lookupErr
	}
	fp, ok := rc.entries[id.Key()]
	if !ok || !fp.Identity.Matches(id) {
		return nil, nil
	}
	return fp, nil
}

func (rc *recordingCache) Put(fp *Fingerprint) error {
	if err := checkCacheable(fp); err != nil {
		return err
	}
	rc.mutex.Lock()
	defer rc.mutex.Unlock()
	rc.puts++
	if rc.putErr != nil {
		return rc.putErr
	}
	rc.entries[fp.Identity.Key()] = fp
	return nil
}

func (rc *recordingCache) Flush() error { return nil }
func (rc *recordingCache) Close() error { return nil }

func (rc *recordingCache) Stats() (*CacheStats, error) {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()
	return &CacheStats{Backend: "memory", Entries: len(rc.entries), Algorithms: map[string]int{}}, nil
}

func (rc *recordingCache) putCount() int {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()
	return rc.puts
}

func sourceChan(sources ...FileSource) <-chan FileSource {
	ch := make(chan FileSource, len(sources))
	for _, src := range sources {
		ch <- src
	}
	close(ch)
	return ch
}

func collectResults(results <-chan *HashResult) []*HashResult {
	var all []*HashResult
	for r := range results {
		all = append(all, r)
	}
	return all
}

func TestHashPool_ComputesAndCaches(t *testing.T) {
	algorithms, err := ParseAlgorithmList("sha256,xxh3")
	require.NoError(t, err)
	cache := newRecordingCache()

	var sources []FileSource
	for i := 0; i < 20; i++ {
		sources = append(sources, memorySource(fmt.Sprintf("/f%02d", i), []byte(strings.Repeat("x", i))))
	}

	pool := NewHashPool(PoolOptions{Workers: 4, Algorithms: algorithms, Cache: cache})
	results := collectResults(pool.Run(nil, sourceChan(sources...)))

	require.Len(t, results, 20)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.False(t, r.FromCache)
		assert.Equal(t, []string{"sha256", "xxh3"}, digestNames(r.Fingerprint))
	}
	assert.Equal(t, 20, cache.putCount())
	assert.Equal(t, int64(20), pool.Stats().Computed)

	// Second pool over the same sources is served from cache
	pool = NewHashPool(PoolOptions{Workers: 4, Algorithms: algorithms, Cache: cache})
	results = collectResults(pool.Run(nil, sourceChan(sources...)))
	require.Len(t, results, 20)
	for _, r := range results {
		assert.True(t, r.FromCache, r.Identity.Path)
	}
	assert.Equal(t, int64(20), pool.Stats().CacheHits)
	assert.Equal(t, int64(0), pool.Stats().Dispatched)
}

func TestHashPool_DropsRepeatedIdentities(t *testing.T) {
	algorithms, err := ParseAlgorithmList("sha1")
	require.NoError(t, err)

	src := memorySource("/same", []byte("data"))
	pool := NewHashPool(PoolOptions{Workers: 2, Algorithms: algorithms})
	results := collectResults(pool.Run(nil, sourceChan(src, src, memorySource("/other", []byte("data")), src)))

	assert.Len(t, results, 2)
	assert.Equal(t, int64(2), pool.Stats().Duplicates)
}

func TestHashPool_PartialHitComputesMissingOnly(t *testing.T) {
	algorithms, err := ParseAlgorithmList("sha256,blake3")
	require.NoError(t, err)

	src := memorySource("/partial", []byte("payload"))
	cache := newRecordingCache()
	// A recognisable stored value proves sha256 was not recomputed
	marker := make([]byte, 32)
	marker[0] = 0x42
	cache.entries[src.Identity().Key()] = &Fingerprint{
		Identity: src.Identity(),
		Digests:  []Digest{{Algorithm: "sha256", Sum: marker}},
	}

	pool := NewHashPool(PoolOptions{Workers: 1, Algorithms: algorithms, Cache: cache})
	results := collectResults(pool.Run(nil, sourceChan(src)))
	require.Len(t, results, 1)
	r := results[0]
	require.NoError(t, r.Err)
	assert.False(t, r.FromCache)
	assert.Equal(t, marker, mustDigest(t, r.Fingerprint, "sha256"))
	assert.Equal(t, HashBytes([]byte("payload"), algorithms[1]), mustDigest(t, r.Fingerprint, "blake3"))
	assert.Equal(t, []string{"sha256", "blake3"}, digestNames(r.Fingerprint))
	assert.Equal(t, int64(1), pool.Stats().PartialHits)
}

func TestHashPool_CacheFailuresDegrade(t *testing.T) {
	algorithms, err := ParseAlgorithmList("sha1")
	require.NoError(t, err)

	cache := newRecordingCache()
	cache.lookupErr = fmt.Errorf("%w: disk on fire", ErrCacheUnavailable)
	cache.putErr = fmt.Errorf("%w: still on fire", ErrCacheUnavailable)

	pool := NewHashPool(PoolOptions{Workers: 2, Algorithms: algorithms, Cache: cache})
	results := collectResults(pool.Run(nil, sourceChan(memorySource("/a", []byte("a")), memorySource("/b", []byte("b")))))

	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.NotNil(t, r.Fingerprint)
		assert.ErrorIs(t, r.CacheErr, ErrCacheUnavailable)
	}
}

func TestHashPool_FailedSourcesNotCached(t *testing.T) {
	algorithms, err := ParseAlgorithmList("sha1")
	require.NoError(t, err)
	cache := newRecordingCache()

	broken := NewReaderSource(FileIdentity{Path: "/broken", Size: 10}, func() (io.ReadCloser, error) {
		return nil, errors.New("permission denied")
	})
	short := NewReaderSource(FileIdentity{Path: "/short", Size: 10}, func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("abc")), nil
	})

	pool := NewHashPool(PoolOptions{Workers: 2, Algorithms: algorithms, Cache: cache})
	results := collectResults(pool.Run(nil, sourceChan(broken, short, memorySource("/fine", []byte("ok")))))

	require.Len(t, results, 3)
	kinds := map[string]string{}
	for _, r := range results {
		kinds[r.Identity.Path] = ErrorKind(r.Err)
	}
	assert.Equal(t, "unreadable", kinds["/broken"])
	assert.Equal(t, "truncated", kinds["/short"])
	assert.Equal(t, 1, cache.putCount())
	assert.Equal(t, int64(2), pool.Stats().Failed)
}

// Scenario: 100 files queued, 10 completed, 5 in flight when shutdown arrives
func TestHashPool_CancellationKeepsCompletedResults(t *testing.T) {
	algorithms, err := ParseAlgorithmList("sha256")
	require.NoError(t, err)
	cache := newRecordingCache()

	shutdown := make(chan struct{})
	entered := make(chan struct{}, 5)

	var sources []FileSource
	for i := 0; i < 100; i++ {
		path := fmt.Sprintf("/queued/%03d", i)
		if i >= 10 && i < 15 {
			sources = append(sources, NewReaderSource(FileIdentity{Path: path, Size: 1 << 20}, func() (io.ReadCloser, error) {
				return &blockingReader{first: []byte("partial"), entered: entered, shutdown: shutdown}, nil
			}))
			continue
		}
		sources = append(sources, memorySource(path, []byte(path)))
	}

	pool := NewHashPool(PoolOptions{Workers: 5, Algorithms: algorithms, Cache: cache})
	results := pool.Run(shutdown, sourceChan(sources...))

	var completed []*HashResult
	for len(completed) < 10 {
		select {
		case r := <-results:
			require.NotNil(t, r)
			completed = append(completed, r)
		case <-time.After(10 * time.Second):
			t.Fatalf("only %d results before timeout", len(completed))
		}
	}
	for i := 0; i < 5; i++ {
		select {
		case <-entered:
		case <-time.After(10 * time.Second):
			t.Fatalf("only %d workers in flight before timeout", i)
		}
	}

	close(shutdown)
	completed = append(completed, collectResults(results)...)

	require.Len(t, completed, 10)
	for _, r := range completed {
		require.NoError(t, r.Err)
		assert.True(t, r.Identity.Path < "/queued/010", "unexpected result for %s", r.Identity.Path)
	}
	assert.Equal(t, 10, cache.putCount(), "in-flight files must not be cached")
	assert.Equal(t, len(completed), cache.putCount())
	assert.Equal(t, int64(5), pool.Stats().Discarded)
}

// A worker blocked handing over a cached result must still deliver it after shutdown
func TestHashPool_ShutdownDeliversEveryCachedResult(t *testing.T) {
	algorithms, err := ParseAlgorithmList("sha256")
	require.NoError(t, err)

	for trial := 0; trial < 20; trial++ {
		cache := newRecordingCache()
		shutdown := make(chan struct{})

		sources := []FileSource{
			memorySource("/full/a", []byte("a")),
			memorySource("/full/b", []byte("b")),
			memorySource("/full/c", []byte("c")),
			memorySource("/full/d", []byte("d")),
		}
		pool := NewHashPool(PoolOptions{Workers: 1, Algorithms: algorithms, Cache: cache})
		results := pool.Run(shutdown, sourceChan(sources...))

		// One result fills the buffer, the second is cached and waiting to be sent
		require.Eventually(t, func() bool { return cache.putCount() >= 2 }, 10*time.Second, time.Millisecond)
		close(shutdown)

		delivered := collectResults(results)
		require.Equal(t, cache.putCount(), len(delivered), "trial %d", trial)
		for _, r := range delivered {
			require.NoError(t, r.Err)
		}
	}
}

func TestHashPool_RunTwicePanics(t *testing.T) {
	pool := NewHashPool(PoolOptions{Workers: 1, Algorithms: []*HashAlgorithm{mustAlgorithm(t, "sha1")}})
	collectResults(pool.Run(nil, sourceChan()))
	assert.Panics(t, func() { pool.Run(nil, sourceChan()) })
}

func digestNames(fp *Fingerprint) []string {
	names := make([]string, len(fp.Digests))
	for i, d := range fp.Digests {
		names[i] = d.Algorithm
	}
	return names
}

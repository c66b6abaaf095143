package dircachefingerprint

import (
	"errors"
	"sync"
	"sync/atomic"
)

// PoolOptions configures a HashPool
type PoolOptions struct {
	Workers    int // concurrent pipelines; <= 0 means DefaultWorkerCount
	QueueDepth int // job channel capacity; <= 0 means 2 * Workers
	Algorithms []*HashAlgorithm
	Pipeline   *DigestPipeline
	Cache      CacheStore
}

// HashResult is one finished source. Err is a per-file failure (Fingerprint
// may then hold a partial result, never cached). CacheErr reports a cache
// lookup or store failure that did not stop the file being fingerprinted.
type HashResult struct {
	Identity    FileIdentity
	Fingerprint *Fingerprint
	FromCache   bool
	Err         error
	CacheErr    error
}

// PoolStats counts what the dispatcher and workers did
type PoolStats struct {
	Dispatched  int64 // jobs handed to workers
	CacheHits   int64 // served entirely from cache
	PartialHits int64 // cache held some of the algorithms
	Duplicates  int64 // identities seen more than once and dropped
	Computed    int64 // pipelines that finished cleanly
	Failed      int64
	Discarded   int64 // pipelines stopped by shutdown
}

type hashJob struct {
	source   FileSource
	cached   *Fingerprint
	missing  []*HashAlgorithm
	cacheErr error
}

// HashPool runs a dispatcher and a fixed set of workers. The dispatcher
// drops repeated identities and consults the cache; only misses take a
// worker slot.
type HashPool struct {
	opts PoolOptions

	hashJobChan  chan *hashJob
	results      chan *HashResult
	shutdownChan <-chan struct{}
	wg           sync.WaitGroup
	closeMutex   sync.Mutex
	closed       bool
	started      atomic.Bool

	seen map[string]struct{} // dispatcher goroutine only

	dispatched  atomic.Int64
	cacheHits   atomic.Int64
	partialHits atomic.Int64
	duplicates  atomic.Int64
	computed    atomic.Int64
	failed      atomic.Int64
	discarded   atomic.Int64
}

// NewHashPool creates a pool; it does nothing until Run
func NewHashPool(opts PoolOptions) *HashPool {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkerCount()
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 2 * opts.Workers
	}
	if opts.Pipeline == nil {
		opts.Pipeline = NewDigestPipeline(0)
	}
	if opts.Cache == nil {
		opts.Cache = NewNullCacheStore()
	}

	return &HashPool{
		opts:        opts,
		hashJobChan: make(chan *hashJob, opts.QueueDepth),
		results:     make(chan *HashResult, opts.Workers),
		seen:        make(map[string]struct{}),
	}
}

// Workers returns the number of worker goroutines
func (p *HashPool) Workers() int {
	return p.opts.Workers
}

// Run starts the pool over sources and returns the results channel, which
// is closed once sources is exhausted (or shutdownChan closes) and every
// worker has exited. The caller must drain it until it closes. Run may only
// be called once.
func (p *HashPool) Run(shutdownChan <-chan struct{}, sources <-chan FileSource) <-chan *HashResult {
	if !p.started.CompareAndSwap(false, true) {
		panic("HashPool.Run called twice")
	}
	p.shutdownChan = shutdownChan

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.hashWorker(i)
	}

	p.wg.Add(1)
	go p.dispatch(sources)

	go func() {
		p.wg.Wait()
		close(p.results)
		debugLog("pool", "All workers finished: %+v", p.Stats())
	}()

	return p.results
}

// Stats returns a snapshot of the pool counters
func (p *HashPool) Stats() PoolStats {
	return PoolStats{
		Dispatched:  p.dispatched.Load(),
		CacheHits:   p.cacheHits.Load(),
		PartialHits: p.partialHits.Load(),
		Duplicates:  p.duplicates.Load(),
		Computed:    p.computed.Load(),
		Failed:      p.failed.Load(),
		Discarded:   p.discarded.Load(),
	}
}

// FinishSubmitting signals that no more hash jobs will be submitted
func (p *HashPool) FinishSubmitting() {
	p.closeMutex.Lock()
	defer p.closeMutex.Unlock()

	if !p.closed {
		close(p.hashJobChan)
		p.closed = true
	}
}

func (p *HashPool) dispatch(sources <-chan FileSource) {
	defer p.wg.Done()
	defer p.FinishSubmitting()

	for {
		select {
		case <-p.shutdownChan:
			debugLog("pool", "Dispatch stopped by shutdown")
			return
		default:
		}

		var src FileSource
		var ok bool
		select {
		case <-p.shutdownChan:
			debugLog("pool", "Dispatch stopped by shutdown")
			return
		case src, ok = <-sources:
			if !ok {
				return
			}
		}

		if !p.dispatchOne(src) {
			return
		}
	}
}

// dispatchOne returns false once shutdown is observed
func (p *HashPool) dispatchOne(src FileSource) bool {
	id := src.Identity()
	key := id.Key()
	if _, dup := p.seen[key]; dup {
		releaseSource(src)
		p.duplicates.Add(1)
		debugLog("pool", "Dropping repeated identity %s", id.Path)
		return true
	}
	p.seen[key] = struct{}{}

	cached, cacheErr := p.opts.Cache.Lookup(id)
	if cacheErr != nil {
		debugLog("cache", "Lookup failed for %s: %v", id.Path, cacheErr)
		cached = nil
	}

	if cached != nil && cached.HasAll(p.opts.Algorithms) {
		releaseSource(src)
		p.cacheHits.Add(1)
		p.emit(&HashResult{
			Identity:    id,
			Fingerprint: mergeFingerprints(id, p.opts.Algorithms, cached),
			FromCache:   true,
		})
		return true
	}
	if cached != nil {
		p.partialHits.Add(1)
	}

	job := &hashJob{
		source:   src,
		cached:   cached,
		missing:  cached.missingAlgorithms(p.opts.Algorithms),
		cacheErr: cacheErr,
	}

	select {
	case p.hashJobChan <- job:
		p.dispatched.Add(1)
		return true
	case <-p.shutdownChan:
		releaseSource(src)
		return false
	}
}

// emit delivers a finished result. It never gives up on shutdown: anything
// that reached here may already be cached, and the consumer drains until close.
func (p *HashPool) emit(result *HashResult) {
	p.results <- result
}

func (p *HashPool) hashWorker(workerID int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.shutdownChan:
			return
		default:
		}

		select {
		case <-p.shutdownChan:
			return
		case job, ok := <-p.hashJobChan:
			if !ok {
				return
			}
			if !p.runJob(workerID, job) {
				return
			}
		}
	}
}

// runJob returns false when the worker should exit
func (p *HashPool) runJob(workerID int, job *hashJob) bool {
	id := job.source.Identity()
	debugLog("pool", "Worker %d hashing %s (%d algorithms)", workerID, id.Path, len(job.missing))

	fresh, err := p.opts.Pipeline.Compute(p.shutdownChan, job.source, job.missing)
	releaseSource(job.source)
	if errors.Is(err, ErrCancelled) {
		p.discarded.Add(1)
		debugLog("pool", "Worker %d discarded %s", workerID, id.Path)
		return false
	}
	if err != nil {
		p.failed.Add(1)
		p.emit(&HashResult{
			Identity:    id,
			Fingerprint: fresh,
			Err:         err,
			CacheErr:    job.cacheErr,
		})
		return true
	}

	fp := mergeFingerprints(id, p.opts.Algorithms, job.cached, fresh)
	cacheErr := job.cacheErr
	if putErr := p.opts.Cache.Put(fp); putErr != nil {
		debugLog("cache", "Put failed for %s: %v", id.Path, putErr)
		cacheErr = putErr
	}

	p.computed.Add(1)
	p.emit(&HashResult{
		Identity:    id,
		Fingerprint: fp,
		CacheErr:    cacheErr,
	})
	return true
}

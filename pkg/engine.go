package dircachefingerprint

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// EngineOptions replaces the engine's collaborators; zero fields get defaults
type EngineOptions struct {
	Fs     afero.Fs   // default: OS filesystem
	Config *Config    // default: .dcfp/config, created if missing
	Cache  CacheStore // default: backend named by [cache] backend
}

// Engine ties enumeration, hashing, caching and grouping together for one
// repository. The cache handle is opened on first use and held until Close.
type Engine struct {
	RootDir string
	RepoDir string

	fs       afero.Fs
	config   *Config
	cache    CacheStore
	warnings []string

	progress ProgressFunc
	onResult func(*HashResult)

	runMutex sync.Mutex
	closed   bool
}

// runSettings is the config resolved for one run
type runSettings struct {
	algorithms     []*HashAlgorithm
	mode           GroupingMode
	minFileSize    int64
	workers        int
	bufferSize     int
	symlinkMode    string
	expandArchives bool
}

// NewEngine creates an engine for rootDir. repoDir is the directory holding
// .dcfp; if empty, rootDir is used.
func NewEngine(rootDir, repoDir string) (*Engine, error) {
	return NewEngineWithOptions(rootDir, repoDir, EngineOptions{})
}

// NewEngineWithOptions is NewEngine with injected collaborators
func NewEngineWithOptions(rootDir, repoDir string, opts EngineOptions) (*Engine, error) {
	defer VerboseEnter()()

	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", rootDir, err)
	}
	if repoDir == "" {
		repoDir = absRoot
	}
	repoPath := filepath.Join(repoDir, RepoDirName)
	if err := checkNestedRepository(repoPath); err != nil {
		return nil, err
	}

	e := &Engine{
		RootDir: absRoot,
		RepoDir: repoPath,
		fs:      opts.Fs,
		config:  opts.Config,
		cache:   opts.Cache,
	}
	if e.fs == nil {
		e.fs = afero.NewOsFs()
	}

	if e.config == nil {
		if err := e.fs.MkdirAll(repoPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", repoPath, err)
		}
		config, err := LoadConfig(repoPath)
		if err != nil {
			WarnLog("Failed to load config from %s: %v", repoPath, err)
			config = NewMemoryConfig()
		}
		e.config = config
	}

	for _, orphan := range findOrphanedTempFiles(repoPath) {
		e.warnings = append(e.warnings, fmt.Sprintf("orphaned temporary file from a dead process: %s", orphan))
	}

	return e, nil
}

// GetConfig returns the configuration instance
func (e *Engine) GetConfig() *Config {
	return e.config
}

// SetProgressFunc installs an optional progress callback
func (e *Engine) SetProgressFunc(fn ProgressFunc) {
	e.progress = fn
}

// SetResultFunc installs a callback that sees every result, in completion order
func (e *Engine) SetResultFunc(fn func(*HashResult)) {
	e.onResult = fn
}

// ApplyConfigOverrides applies flag values keyed like ApplyOverrides keys
// ("algorithms", "mode", "hash_workers", ...). Empty values are ignored.
func (e *Engine) ApplyConfigOverrides(flags map[string]string) error {
	var overrides []string
	for _, key := range OverrideKeyNames() {
		if value, ok := flags[key]; ok && value != "" {
			overrides = append(overrides, key+":"+value)
		}
	}
	if len(overrides) == 0 {
		return nil
	}
	if err := e.config.ApplyOverrides(overrides); err != nil {
		return fmt.Errorf("failed to apply configuration overrides: %w", err)
	}
	if flags["backend"] != "" && e.cache != nil {
		// A new backend takes effect on the next run
		if err := e.cache.Close(); err != nil {
			WarnLog("closing cache: %v", err)
		}
		e.cache = nil
	}
	return nil
}

func (e *Engine) settings() (*runSettings, error) {
	all := e.config.GetAllConfig()

	algorithms, err := ParseAlgorithmList(all.Hash.Algorithms)
	if err != nil {
		return nil, err
	}
	mode, err := ParseGroupingMode(all.Dupes.Mode)
	if err != nil {
		return nil, err
	}
	bufferSize, err := ParseHumanSize(all.Performance.HashBuffer)
	if err != nil {
		return nil, fmt.Errorf("invalid hash_buffer: %w", err)
	}
	if err := ValidateHashWorkers(all.Performance.HashWorkers); err != nil {
		return nil, err
	}
	if err := ValidateSymlinkMode(all.Symlink.Mode); err != nil {
		return nil, err
	}

	return &runSettings{
		algorithms:     algorithms,
		mode:           mode,
		minFileSize:    all.Dupes.MinSize,
		workers:        all.Performance.HashWorkers,
		bufferSize:     bufferSize,
		symlinkMode:    all.Symlink.Mode,
		expandArchives: all.Archive.Expand,
	}, nil
}

// openCache opens the configured backend once. A backend that cannot be
// opened degrades to no cache with a warning.
func (e *Engine) openCache() CacheStore {
	if e.cache != nil {
		return e.cache
	}

	backend := e.config.GetCacheConfig().Backend
	cache, err := OpenCacheStore(backend, e.RepoDir)
	if err != nil {
		WarnLog("cache backend %s unavailable, continuing without cache: %v", backend, err)
		e.warnings = append(e.warnings, fmt.Sprintf("cache backend %s unavailable: %v", backend, err))
		cache = NewNullCacheStore()
	}
	if warner, ok := cache.(interface{ Warnings() []string }); ok {
		e.warnings = append(e.warnings, warner.Warnings()...)
	}
	e.cache = cache
	return cache
}

// CacheStats opens the cache if needed and reports its contents
func (e *Engine) CacheStats() (*CacheStats, error) {
	e.runMutex.Lock()
	defer e.runMutex.Unlock()
	if e.closed {
		return nil, fmt.Errorf("engine is closed")
	}
	return e.openCache().Stats()
}

// Run fingerprints every source from the channel and groups duplicates.
// Per-file failures land in Report.Skipped; closing shutdownChan stops the
// run early with Report.Cancelled set.
func (e *Engine) Run(shutdownChan <-chan struct{}, sources <-chan FileSource) (*Report, error) {
	e.runMutex.Lock()
	defer e.runMutex.Unlock()

	settings, err := e.settings()
	if err != nil {
		return nil, err
	}
	return e.run(shutdownChan, sources, settings)
}

// RunPaths walks roots (relative roots are taken from RootDir) and runs over
// what it finds. A missing root fails before any work starts.
func (e *Engine) RunPaths(shutdownChan <-chan struct{}, roots []string) (*Report, error) {
	defer VerboseEnter()()
	e.runMutex.Lock()
	defer e.runMutex.Unlock()

	if e.closed {
		return nil, fmt.Errorf("engine is closed")
	}
	settings, err := e.settings()
	if err != nil {
		return nil, err
	}

	walker := NewPathWalker(WalkOptions{
		Fs:             e.fs,
		RootDir:        e.RootDir,
		RepoDir:        e.RepoDir,
		SymlinkMode:    settings.symlinkMode,
		ExpandArchives: settings.expandArchives,
		Ignore:         NewIgnoreManager(e.fs, e.RepoDir),
	})
	if err := walker.CheckRoots(roots); err != nil {
		return nil, err
	}

	sources, walkDone := walker.Start(shutdownChan, roots)
	report, err := e.run(shutdownChan, sources, settings)
	<-walkDone
	if err != nil {
		return nil, err
	}

	walkSkipped := walker.Skipped()
	report.Skipped = append(report.Skipped, walkSkipped...)
	report.Stats.Skipped += int64(len(walkSkipped))
	sortSkipped(report.Skipped)
	return report, nil
}

func (e *Engine) run(shutdownChan <-chan struct{}, sources <-chan FileSource, settings *runSettings) (*Report, error) {
	if e.closed {
		return nil, fmt.Errorf("engine is closed")
	}
	start := time.Now()
	cache := e.openCache()

	names := AlgorithmNames(settings.algorithms)
	VerboseLog(1, "Fingerprinting with %v, %d workers, %s grouping", names, settings.workers, settings.mode)

	pool := NewHashPool(PoolOptions{
		Workers:    settings.workers,
		Algorithms: settings.algorithms,
		Pipeline:   NewDigestPipeline(settings.bufferSize),
		Cache:      cache,
	})
	index := NewDuplicateIndex(names, settings.mode)

	report := &Report{
		Warnings: append([]string(nil), e.warnings...),
		Stats: RunStats{
			Algorithms: names,
			Mode:       settings.mode.String(),
			Workers:    pool.Workers(),
		},
	}
	e.warnings = nil
	var progress Progress

	for result := range pool.Run(shutdownChan, sources) {
		if e.onResult != nil {
			e.onResult(result)
		}
		progress.FilesCompleted++

		if result.CacheErr != nil {
			report.Stats.CacheWarnings++
			if report.Stats.CacheWarnings <= maxReportedCacheWarnings {
				report.Warnings = append(report.Warnings, result.CacheErr.Error())
			}
		}

		if result.Err != nil {
			progress.Errors++
			report.Skipped = append(report.Skipped, SkippedFile{
				Identity: result.Identity,
				Kind:     ErrorKind(result.Err),
				Err:      result.Err,
			})
			VerboseLog(1, "Skipping %s: %v", result.Identity.Path, result.Err)
		} else {
			report.Stats.Files++
			if result.FromCache {
				progress.CacheHits++
				report.Stats.FromCache++
			} else {
				report.Stats.Computed++
				report.Stats.BytesHashed += result.Fingerprint.BytesRead
				progress.BytesProcessed += result.Fingerprint.BytesRead
			}
			if result.Identity.Size >= settings.minFileSize {
				if err := index.Insert(result.Fingerprint); err != nil {
					report.Warnings = append(report.Warnings, err.Error())
				}
			}
		}

		if e.progress != nil {
			e.progress(progress)
		}
	}

	select {
	case <-shutdownChan:
		report.Cancelled = true
	default:
	}

	if err := cache.Flush(); err != nil {
		WarnLog("failed to flush cache: %v", err)
		report.Warnings = append(report.Warnings, fmt.Sprintf("failed to flush cache: %v", err))
	}

	if report.Stats.CacheWarnings > maxReportedCacheWarnings {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%d further cache warnings not shown", report.Stats.CacheWarnings-maxReportedCacheWarnings))
	}

	poolStats := pool.Stats()
	report.Stats.RepeatsDropped = poolStats.Duplicates
	report.Groups = index.Groups(2)
	report.Stats.Groups = len(report.Groups)
	for _, group := range report.Groups {
		report.Stats.DuplicateFiles += group.Count
		report.Stats.Reclaimable += group.Reclaimable
	}
	report.Stats.Skipped = int64(len(report.Skipped))
	sortSkipped(report.Skipped)
	report.Stats.Duration = time.Since(start)

	VerboseLog(1, "Run finished: %d files, %d cached, %d hashed, %d groups", report.Stats.Files,
		report.Stats.FromCache, report.Stats.Computed, report.Stats.Groups)
	return report, nil
}

// FindDuplicates runs over roots and returns just the groups
func (e *Engine) FindDuplicates(shutdownChan <-chan struct{}, roots []string) ([]DuplicateGroup, error) {
	report, err := e.RunPaths(shutdownChan, roots)
	if err != nil {
		return nil, err
	}
	return report.Groups, nil
}

// Close flushes and releases the cache
func (e *Engine) Close() error {
	e.runMutex.Lock()
	defer e.runMutex.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	if e.cache == nil {
		return nil
	}
	err := e.cache.Close()
	e.cache = nil
	return err
}

// RepoExists reports whether dir already holds a .dcfp directory
func RepoExists(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, RepoDirName))
	return err == nil && info.IsDir()
}

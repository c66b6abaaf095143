package dircachefingerprint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// WalkOptions configures a PathWalker
type WalkOptions struct {
	Fs             afero.Fs
	RootDir        string // repository root; ignore patterns are relative to it
	RepoDir        string // the .dcfp directory, never entered
	SymlinkMode    string // directory symlinks: all, contained, none
	ExpandArchives bool
	Ignore         *IgnoreManager
}

// PathWalker enumerates FileSources under a set of roots in sorted order.
// Unreadable directories and archives are recorded, not fatal.
type PathWalker struct {
	opts WalkOptions

	mutex   sync.Mutex
	skipped []SkippedFile
	visited map[string]bool // resolved targets of followed directory symlinks
}

// NewPathWalker creates a walker; a nil Fs means the OS filesystem
func NewPathWalker(opts WalkOptions) *PathWalker {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.SymlinkMode == "" {
		opts.SymlinkMode = "none"
	}
	return &PathWalker{opts: opts, visited: make(map[string]bool)}
}

// CheckRoots verifies every root exists before any work starts
func (pw *PathWalker) CheckRoots(roots []string) error {
	for _, root := range pw.absRoots(roots) {
		if _, err := pw.opts.Fs.Stat(root); err != nil {
			return fmt.Errorf("%w: %s", ErrRootNotFound, root)
		}
	}
	return nil
}

// Start walks roots in a goroutine, sending sources on the returned channel.
// The channel is closed when the walk ends or shutdownChan closes; done is
// closed after that, once Skipped is final.
func (pw *PathWalker) Start(shutdownChan <-chan struct{}, roots []string) (sources <-chan FileSource, done <-chan struct{}) {
	out := make(chan FileSource, 64)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer close(out)
		if err := pw.Walk(shutdownChan, roots, out); err != nil {
			debugLog("scan", "Walk stopped: %v", err)
		}
	}()
	return out, finished
}

// Walk sends every source under roots to out without closing it
func (pw *PathWalker) Walk(shutdownChan <-chan struct{}, roots []string, out chan<- FileSource) error {
	defer VerboseEnter()()

	if pw.opts.Ignore != nil {
		if err := pw.opts.Ignore.LoadIgnorePatterns(); err != nil {
			return fmt.Errorf("failed to load ignore patterns: %w", err)
		}
	}

	for _, root := range deduplicatePaths(pw.absRoots(roots)) {
		if err := pw.walkRoot(shutdownChan, root, out); err != nil {
			return err
		}
	}
	return nil
}

// Skipped returns the directories and archives that could not be read
func (pw *PathWalker) Skipped() []SkippedFile {
	pw.mutex.Lock()
	defer pw.mutex.Unlock()
	return append([]SkippedFile(nil), pw.skipped...)
}

func (pw *PathWalker) recordSkip(path string, err error) {
	debugLog("scan", "Skipping %s: %v", path, err)
	pw.mutex.Lock()
	pw.skipped = append(pw.skipped, SkippedFile{
		Identity: FileIdentity{Path: path},
		Kind:     ErrorKind(err),
		Err:      err,
	})
	pw.mutex.Unlock()
}

func (pw *PathWalker) absRoots(roots []string) []string {
	if len(roots) == 0 {
		roots = []string{"."}
	}
	abs := make([]string, 0, len(roots))
	for _, root := range roots {
		if !filepath.IsAbs(root) {
			root = filepath.Join(pw.opts.RootDir, root)
		}
		abs = append(abs, filepath.Clean(root))
	}
	return abs
}

// send delivers src unless shutdown wins the race
func send(shutdownChan <-chan struct{}, out chan<- FileSource, src FileSource) bool {
	select {
	case out <- src:
		return true
	case <-shutdownChan:
		return false
	}
}

// walkRoot processes a priority queue of paths so output stays sorted
func (pw *PathWalker) walkRoot(shutdownChan <-chan struct{}, rootPath string, out chan<- FileSource) error {
	pathQueue := []string{rootPath}
	if resolved, err := pw.resolveLink(rootPath); err == nil {
		pw.mutex.Lock()
		pw.visited[resolved] = true
		pw.mutex.Unlock()
	}

	for len(pathQueue) > 0 {
		select {
		case <-shutdownChan:
			debugLog("scan", "Filesystem walk interrupted by shutdown")
			return ErrCancelled
		default:
		}

		currentPath := pathQueue[0]
		pathQueue = pathQueue[1:]

		info, err := pw.lstat(currentPath)
		if err != nil {
			pw.recordSkip(currentPath, fmt.Errorf("%w: %w", ErrUnreadable, err))
			continue
		}

		if pw.ignored(currentPath) {
			continue
		}

		if info.Mode()&os.ModeSymlink != 0 {
			target, ok := pw.followDirSymlink(currentPath)
			if !ok {
				// File symlinks are never hashed; their targets are found directly
				continue
			}
			info = target
		}

		if info.IsDir() {
			if pw.opts.RepoDir != "" && currentPath == filepath.Clean(pw.opts.RepoDir) {
				continue
			}

			names, err := pw.readDirNames(currentPath)
			if err != nil {
				pw.recordSkip(currentPath, fmt.Errorf("%w: %w", ErrUnreadable, err))
				continue
			}

			newPaths := make([]string, 0, len(names))
			for _, name := range names {
				newPaths = append(newPaths, filepath.Join(currentPath, name))
			}
			pathQueue = insertSorted(pathQueue, newPaths)
			continue
		}

		if !info.Mode().IsRegular() {
			continue
		}

		debugLog("scan", "Found file: %s", currentPath)
		if !send(shutdownChan, out, NewPlainSource(pw.opts.Fs, currentPath, info)) {
			return ErrCancelled
		}

		if pw.opts.ExpandArchives && IsArchive(currentPath) {
			entries, err := ListArchive(pw.opts.Fs, currentPath)
			if err != nil {
				pw.recordSkip(currentPath, err)
				continue
			}
			for _, entry := range entries {
				if !send(shutdownChan, out, entry) {
					return ErrCancelled
				}
			}
		}
	}

	return nil
}

func (pw *PathWalker) lstat(path string) (os.FileInfo, error) {
	if lstater, ok := pw.opts.Fs.(afero.Lstater); ok {
		info, _, err := lstater.LstatIfPossible(path)
		return info, err
	}
	return pw.opts.Fs.Stat(path)
}

func (pw *PathWalker) readDirNames(dir string) ([]string, error) {
	f, err := pw.opts.Fs.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (pw *PathWalker) ignored(path string) bool {
	if pw.opts.Ignore == nil || pw.opts.RootDir == "" {
		return false
	}
	relPath, err := filepath.Rel(pw.opts.RootDir, path)
	if err != nil || relPath == "." {
		return false
	}
	return pw.opts.Ignore.ShouldIgnore(relPath)
}

// followDirSymlink returns the target info when path is a directory symlink
// that the symlink mode allows entering
func (pw *PathWalker) followDirSymlink(path string) (os.FileInfo, bool) {
	targetInfo, err := pw.opts.Fs.Stat(path)
	if err != nil || !targetInfo.IsDir() {
		return nil, false
	}

	switch pw.opts.SymlinkMode {
	case "all", "contained":
	default:
		return nil, false
	}

	target, err := pw.resolveLink(path)
	if err != nil {
		debugLog("scan", "Cannot resolve symlink %s: %v", path, err)
		return nil, false
	}
	if pw.opts.SymlinkMode == "contained" && !isPathContained(target, pw.opts.RootDir) {
		debugLog("scan", "Symlink %s points outside %s", path, pw.opts.RootDir)
		return nil, false
	}

	pw.mutex.Lock()
	defer pw.mutex.Unlock()
	if pw.visited[target] {
		return nil, false
	}
	pw.visited[target] = true
	return targetInfo, true
}

// resolveLink follows a chain of symlinks through the afero filesystem
func (pw *PathWalker) resolveLink(path string) (string, error) {
	reader, ok := pw.opts.Fs.(afero.LinkReader)
	if !ok {
		return filepath.EvalSymlinks(path)
	}

	current := path
	for hops := 0; hops < 40; hops++ {
		info, err := pw.lstat(current)
		if err != nil {
			return "", err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return filepath.Clean(current), nil
		}
		link, err := reader.ReadlinkIfPossible(current)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(link) {
			link = filepath.Join(filepath.Dir(current), link)
		}
		current = link
	}
	return "", fmt.Errorf("too many levels of symbolic links: %s", path)
}

// deduplicatePaths sorts paths and drops any that lie under another
func deduplicatePaths(paths []string) []string {
	if len(paths) <= 1 {
		return paths
	}
	sort.Strings(paths)

	var deduplicated []string
	for _, path := range paths {
		redundant := false
		for _, kept := range deduplicated {
			if path == kept || isPathUnder(path, kept) {
				redundant = true
				break
			}
		}
		if !redundant {
			deduplicated = append(deduplicated, path)
		}
	}
	return deduplicated
}

// isPathUnder checks if childPath is strictly under parentPath
func isPathUnder(childPath, parentPath string) bool {
	childPath = filepath.Clean(childPath)
	parentPath = filepath.Clean(parentPath)
	if childPath == parentPath {
		return false
	}
	return strings.HasPrefix(childPath, strings.TrimSuffix(parentPath, string(filepath.Separator))+string(filepath.Separator))
}

// isPathContained checks if targetPath is containerPath or lies under it
func isPathContained(targetPath, containerPath string) bool {
	targetPath = filepath.Clean(targetPath)
	containerPath = filepath.Clean(containerPath)
	return targetPath == containerPath || isPathUnder(targetPath, containerPath)
}

// insertSorted merges sorted newPaths into the sorted queue
func insertSorted(existing []string, newPaths []string) []string {
	if len(newPaths) == 0 {
		return existing
	}
	sort.Strings(newPaths)
	if len(existing) == 0 {
		return newPaths
	}

	result := make([]string, 0, len(existing)+len(newPaths))
	i, j := 0, 0
	for i < len(existing) && j < len(newPaths) {
		if existing[i] <= newPaths[j] {
			result = append(result, existing[i])
			i++
		} else {
			result = append(result, newPaths[j])
			j++
		}
	}
	result = append(result, existing[i:]...)
	return append(result, newPaths[j:]...)
}

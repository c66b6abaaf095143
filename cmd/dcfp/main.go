package main

import (
	"fmt"
	"os"
	"path/filepath"

	dcfp "github.com/mattkeenan/dircachefingerprint/pkg"
	"github.com/spf13/cobra"
)

// Global flags shared by every subcommand
var (
	argVerbose    int
	argDebug      string
	argRepo       string
	argFormat     string
	argAlgorithms string
	argMode       string
	argWorkers    int
	argBackend    string
	argMinSize    string
	argSymlinks   string
	argNoArchives bool
	argProgress   bool
)

var rootCmd = &cobra.Command{
	Use:   "dcfp",
	Short: "Content fingerprinting and duplicate detection with a persistent digest cache",
	Long: `dcfp fingerprints files with one or more hash algorithms in a single read,
caches the digests in .dcfp/ keyed by path, size and modification time, and
groups files whose content is identical.

	dcfp dupes ~/Pictures ~/Backup
	dcfp hash --algorithms sha256,xxh3 notes.txt
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.CountVarP(&argVerbose, "verbose", "v", "increase verbosity (repeat for more)")
	f.StringVar(&argDebug, "debug", "", "comma-separated debug flags (scan,pool,pipeline,cache,archive)")
	f.StringVar(&argRepo, "repo", "", "directory holding .dcfp (default: search upward from the working directory)")
	f.StringVar(&argFormat, "format", "", "output format: human, json, fdupes")
	f.StringVar(&argAlgorithms, "algorithms", "", "ordered hash algorithms, first is primary (e.g. sha256,blake3)")
	f.StringVar(&argMode, "mode", "", "grouping mode: all or primary")
	f.IntVar(&argWorkers, "workers", 0, "concurrent hash workers")
	f.StringVar(&argBackend, "backend", "", "cache backend: index, duckdb, none")
	f.StringVar(&argMinSize, "min-size", "", "leave files smaller than this out of grouping (e.g. 4K)")
	f.StringVar(&argSymlinks, "symlinks", "", "follow directory symlinks: all, contained, none")
	f.BoolVar(&argNoArchives, "no-archives", false, "do not look inside zip and tar archives")
	f.BoolVar(&argProgress, "progress", false, "show a progress line on stderr")
}

// openEngine finds the repository, loads its config and applies flag overrides
func openEngine() (*dcfp.Engine, error) {
	start := argRepo
	if start == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		start = cwd
	}
	if filepath.Base(start) == dcfp.RepoDirName {
		start = filepath.Dir(start)
	}

	root := start
	if argRepo == "" {
		found, err := dcfp.FindRepositoryRoot(start)
		if err != nil {
			return nil, err
		}
		root = found
	}

	engine, err := dcfp.NewEngine(root, root)
	if err != nil {
		return nil, err
	}

	dcfp.ApplyVerboseConfig(engine.GetConfig(), argVerbose, argDebug)

	overrides := map[string]string{
		"algorithms": argAlgorithms,
		"mode":       argMode,
		"format":     argFormat,
		"backend":    argBackend,
		"min_size":   argMinSize,
		"symlinks":   argSymlinks,
	}
	if argWorkers != 0 {
		overrides["hash_workers"] = fmt.Sprintf("%d", argWorkers)
	}
	if argNoArchives {
		overrides["expand"] = "false"
	}
	if err := engine.ApplyConfigOverrides(overrides); err != nil {
		engine.Close()
		return nil, err
	}

	if argProgress {
		engine.SetProgressFunc(dcfp.NewLineProgress(os.Stderr, progressInterval))
	}
	return engine, nil
}

// absPaths resolves command-line paths against the working directory
func absPaths(args []string) ([]string, error) {
	if len(args) == 0 {
		args = []string{"."}
	}
	paths := make([]string, 0, len(args))
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", arg, err)
		}
		paths = append(paths, abs)
	}
	return paths, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

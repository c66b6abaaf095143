package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	dcfp "github.com/mattkeenan/dircachefingerprint/pkg"
	"github.com/spf13/afero"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--help" || os.Args[1] == "-h" || os.Args[1] == "help") {
		showHelp()
		return
	}

	args, err := parseArguments(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "dcfpfind: %v\n", err)
		showUsage()
		os.Exit(1)
	}

	indexFiles, err := resolveStartingPoints(args.StartingPoints, args.Repo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dcfpfind: %v\n", err)
		os.Exit(1)
	}

	out := bufio.NewWriter(os.Stdout)
	failed := executeFind(indexFiles, args, out)
	if err := out.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "dcfpfind: %v\n", err)
		os.Exit(1)
	}
	if failed {
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Fprintf(os.Stderr, "Usage: dcfpfind [starting-points...] [expressions]\n")
	fmt.Fprintf(os.Stderr, "Try 'dcfpfind --help' for more information.\n")
}

func showHelp() {
	fmt.Printf(`dcfpfind - find-style queries over a dcfp fingerprint cache

Usage: dcfpfind [starting-points...] [expressions]

STARTING POINTS:
  cache             The repository's cache index (default)
  DIR               Repository containing DIR (searched upward for .dcfp)
  /path/to/file.idx A cache index file

TESTS:
  --name PATTERN    Match file name (glob); archive members match their own name
  --iname PATTERN   Case-insensitive --name
  --path PATTERN    Match full path (glob, * crosses /)
  --ipath PATTERN   Case-insensitive --path
  --container PATTERN  Archive member whose archive path matches
  --size [+-]N[cwbk] or [+-]N[KMG]  Size comparison
  --empty           Zero-byte entries
  --mtime [+-]N     Modified N*24 hours ago
  --mmin [+-]N      Modified N minutes ago
  --hash [ALG:]HEX  Exact digest match
  --hash-prefix [ALG:]HEX  Digest starts with prefix
  --algorithm ALG   Entry carries a digest for ALG
  --archived        Entry was read from inside an archive
  --stale           File changed or vanished since it was cached

ACTIONS:
  --print           Print path (default)
  --print0          Print NUL-terminated paths
  --ls              Size, mtime, primary digest and path
  --printf FORMAT   Custom format output

OPERATORS:
  --and, -a         Logical AND (implicit)
  --or, -o          Logical OR
  --not, !          Logical NOT
  ( ... )           Grouping

GLOBAL OPTIONS:
  --repo DIR        Repository root directory
  --index FILE      Search FILE instead of the repository cache
  --warn, --nowarn  Enable or suppress warnings

PRINTF FORMAT SPECIFIERS:
  %%p full path        %%f file name       %%h directory
  %%s size in bytes    %%t mtime (RFC3339)  %%T mtime in ns
  %%c archive path     %%H primary digest  %%Y primary algorithm
  %%D all digests      %%i index file      %%%% literal %%
  Escapes: \n \t \r \0 \\

EXAMPLES:
  dcfpfind --name "*.jpg" --size +1M
  dcfpfind --stale --print0 | xargs -0 ls -l
  dcfpfind --hash-prefix sha256:9f86d0 --printf "%%p %%H\n"
  dcfpfind --archived --not --container "*.zip"
`)
}

// Arguments is the parsed command line
type Arguments struct {
	StartingPoints []string
	Expression     Expression
	Actions        []Action
	Repo           string
	Warn           bool
}

func parseArguments(argv []string) (*Arguments, error) {
	result := &Arguments{Warn: true}

	i := 0
	for i < len(argv) && !strings.HasPrefix(argv[i], "-") && argv[i] != "!" && argv[i] != "(" {
		result.StartingPoints = append(result.StartingPoints, argv[i])
		i++
	}

	expr, actions, globals, err := parseExpressions(argv[i:])
	if err != nil {
		return nil, err
	}
	result.Expression = expr
	result.Actions = actions

	for option, value := range globals {
		switch option {
		case "--repo":
			result.Repo = value
		case "--index":
			result.StartingPoints = append(result.StartingPoints, value)
		case "--nowarn":
			result.Warn = false
		}
	}

	if len(result.StartingPoints) == 0 {
		result.StartingPoints = []string{"cache"}
	}
	if len(result.Actions) == 0 {
		result.Actions = []Action{&PrintAction{}}
	}
	return result, nil
}

// resolveStartingPoints turns starting points into index paths, dropping repeats
func resolveStartingPoints(points []string, repo string) ([]string, error) {
	base := repo
	if base == "" {
		base = "."
	}

	var paths []string
	seen := make(map[string]bool)
	for _, point := range points {
		target := point
		if point == "cache" {
			target = base
		}
		path, err := dcfp.ResolveCacheIndex(target)
		if err != nil {
			return nil, err
		}
		if !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// executeFind runs the expression over every index; it reports whether any
// index could not be read
func executeFind(indexFiles []string, args *Arguments, out io.Writer) bool {
	ctx := &EvalContext{
		Fs:  afero.NewOsFs(),
		Now: time.Now(),
		Out: out,
	}

	failed := false
	for _, indexPath := range indexFiles {
		ctx.IndexPath = indexPath
		if err := processIndexFile(indexPath, args, ctx); err != nil {
			fmt.Fprintf(os.Stderr, "dcfpfind: %s: %v\n", indexPath, err)
			failed = true
		}
	}
	return failed
}

func processIndexFile(indexPath string, args *Arguments, ctx *EvalContext) error {
	var actionErr error
	err := dcfp.IterateCacheIndex(indexPath, func(entry *dcfp.EntryInfo) bool {
		if args.Expression != nil {
			match, err := args.Expression.Evaluate(entry, ctx)
			if err != nil {
				if args.Warn {
					fmt.Fprintf(os.Stderr, "dcfpfind: warning: %s: %v\n", entry.Path, err)
				}
				return true
			}
			if !match {
				return true
			}
		}

		for _, action := range args.Actions {
			if err := action.Execute(entry, ctx); err != nil {
				// Output errors (closed pipe) end the search
				actionErr = err
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	return actionErr
}

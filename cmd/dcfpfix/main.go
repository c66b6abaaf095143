package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	dcfp "github.com/mattkeenan/dircachefingerprint/pkg"
)

// errIssuesFound makes check exit non-zero without printing an extra error
var errIssuesFound = errors.New("index has issues")

var commands = map[string]bool{
	"check":   true,
	"repair":  true,
	"show":    true,
	"backups": true,
	"help":    true,
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func newOptions() *ParsedOptions {
	options := NewParsedOptions()
	options.DefineOption("help", "h", OptionTypeBool, "false", "Show help message")
	options.DefineOption("verbose", "v", OptionTypeInt, "0", "Verbose output (repeat for more)")
	options.DefineOption("dry-run", "n", OptionTypeBool, "false", "Report what repair would do without writing")
	options.DefineOption("quiet", "q", OptionTypeBool, "false", "Suppress non-error output")
	options.DefineOption("format", "", OptionTypeString, "human", "Output format (human|json)")
	return options
}

// run is main without the exit; it returns the process status
func run(argv []string, stdout, stderr io.Writer) int {
	options := newOptions()
	if err := options.Parse(argv); err != nil {
		fmt.Fprintf(stderr, "dcfpfix: %v\nTry 'dcfpfix --help' for more information.\n", err)
		return 1
	}
	if options.GetBool("help") || len(options.GetArgs()) == 0 {
		showHelp(stdout, options)
		return 0
	}

	format := options.GetString("format")
	if format != "human" && format != "json" {
		fmt.Fprintf(stderr, "dcfpfix: invalid format '%s', must be 'human' or 'json'\n", format)
		return 1
	}
	dcfp.SetVerboseLevel(options.GetInt("verbose"))
	dcfp.SetLogOutput(stderr)

	args := options.GetArgs()
	indexSpec := ""
	if !commands[args[0]] {
		indexSpec = args[0]
		args = args[1:]
	}
	if len(args) == 0 {
		fmt.Fprintf(stderr, "dcfpfix: missing command\nTry 'dcfpfix --help' for more information.\n")
		return 1
	}
	if args[0] == "help" {
		showHelp(stdout, options)
		return 0
	}
	if !commands[args[0]] {
		fmt.Fprintf(stderr, "dcfpfix: unknown command '%s'\nTry 'dcfpfix --help' for more information.\n", args[0])
		return 1
	}

	indexPath, err := dcfp.ResolveCacheIndex(indexSpec)
	if err != nil {
		fmt.Fprintf(stderr, "dcfpfix: %v\n", err)
		return 1
	}

	fix := &fixer{
		indexPath: indexPath,
		out:       stdout,
		json:      format == "json",
		dryRun:    options.GetBool("dry-run"),
		quiet:     options.GetBool("quiet"),
	}

	switch args[0] {
	case "check":
		err = fix.check()
	case "repair":
		err = fix.repair()
	case "show":
		err = fix.show(args[1:])
	case "backups":
		err = fix.backups(args[1:])
	}

	switch {
	case errors.Is(err, errIssuesFound):
		return 2
	case err != nil:
		fmt.Fprintf(stderr, "dcfpfix: %v\n", err)
		return 1
	}
	return 0
}

func showHelp(w io.Writer, options *ParsedOptions) {
	fmt.Fprintf(w, `dcfpfix - check and repair dcfp cache index files

Usage: dcfpfix [OPTIONS] [index] <command> [args...]

Commands:
  check                      Scan the index and list damaged or duplicate entries
  repair                     Back up the index, then rewrite it with only the valid entries
  show <path>...             Print the cached fingerprints for paths
  backups list               List backups made by repair and corrupt copies moved aside
  backups restore [backup]   Restore a backup (default: newest) over the index
  backups discard [backup]   Delete a backup (default: newest)
  backups clear              Delete every backup
  help                       Show this help

Options:
`)
	options.WriteUsage(w)
	fmt.Fprintf(w, `
Index:
  (omitted)          .dcfp/cache.idx of the repository containing the working directory
  DIR                .dcfp/cache.idx of the repository containing DIR
  /path/to/file.idx  A cache index file

Exit status is 2 when check finds issues.

Examples:
  dcfpfix check
  dcfpfix ~/photos repair --dry-run
  dcfpfix show --format=json ~/photos/cat.jpg
  dcfpfix backups restore
`)
}

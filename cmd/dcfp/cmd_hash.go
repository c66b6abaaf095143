package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	dcfp "github.com/mattkeenan/dircachefingerprint/pkg"
	"github.com/spf13/cobra"
)

// hashLine is one file in hash --format json output
type hashLine struct {
	Path      string            `json:"path"`
	Container string            `json:"container,omitempty"`
	Size      int64             `json:"size"`
	ModTime   time.Time         `json:"mtime"`
	Digests   map[string]string `json:"digests"`
	FromCache bool              `json:"from_cache"`
}

var hashCmd = &cobra.Command{
	Use:   "hash [paths...]",
	Short: "Print the fingerprint of every file",
	Long: `Walk the given paths and print each file's digests, one line per file in
path order. With a single algorithm the output matches sha256sum and friends.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		roots, err := absPaths(args)
		if err != nil {
			return err
		}
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		var results []*dcfp.HashResult
		engine.SetResultFunc(func(r *dcfp.HashResult) {
			if r.Err == nil && r.Fingerprint != nil {
				results = append(results, r)
			}
		})

		report, err := engine.RunPaths(setupSignalHandler(), roots)
		if argProgress {
			fmt.Fprintln(os.Stderr)
		}
		if err != nil {
			return err
		}
		sort.Slice(results, func(i, j int) bool {
			return results[i].Identity.Path < results[j].Identity.Path
		})

		algorithms := report.Stats.Algorithms
		if engine.GetConfig().GetOutputConfig().Format == "json" {
			err = writeHashJSON(results, algorithms)
		} else {
			writeHashText(results, algorithms)
		}
		if err != nil {
			return err
		}

		for _, skipped := range report.Skipped {
			fmt.Fprintf(os.Stderr, "%s: %s: %v\n", skipped.Kind, skipped.Identity.Path, skipped.Err)
		}
		if report.Cancelled {
			return errInterrupted
		}
		return nil
	},
}

func writeHashText(results []*dcfp.HashResult, algorithms []string) {
	for _, r := range results {
		if len(algorithms) == 1 {
			fmt.Printf("%s  %s\n", r.Fingerprint.HexDigest(algorithms[0]), r.Identity.Path)
			continue
		}
		parts := make([]string, 0, len(algorithms))
		for _, alg := range algorithms {
			parts = append(parts, alg+":"+r.Fingerprint.HexDigest(alg))
		}
		fmt.Printf("%s  %s\n", strings.Join(parts, " "), r.Identity.Path)
	}
}

func writeHashJSON(results []*dcfp.HashResult, algorithms []string) error {
	lines := make([]hashLine, 0, len(results))
	for _, r := range results {
		digests := make(map[string]string, len(algorithms))
		for _, alg := range algorithms {
			digests[alg] = r.Fingerprint.HexDigest(alg)
		}
		lines = append(lines, hashLine{
			Path:      r.Identity.Path,
			Container: r.Identity.Container,
			Size:      r.Identity.Size,
			ModTime:   r.Identity.ModTime,
			Digests:   digests,
			FromCache: r.FromCache,
		})
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(lines)
}

func init() {
	rootCmd.AddCommand(hashCmd)
}

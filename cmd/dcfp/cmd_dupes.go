package main

import (
	"errors"
	"fmt"
	"os"

	dcfp "github.com/mattkeenan/dircachefingerprint/pkg"
	"github.com/spf13/cobra"
)

var errInterrupted = errors.New("interrupted; results cover only files finished before the signal")

var dupesCmd = &cobra.Command{
	Use:   "dupes [paths...]",
	Short: "Report groups of files with identical content",
	Long: `Walk the given paths (default: the working directory), fingerprint every
regular file and archive member, and print the groups whose digests match.
Unchanged files are served from the cache without being read.`,
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

		report, err := engine.RunPaths(setupSignalHandler(), roots)
		if argProgress {
			fmt.Fprintln(os.Stderr)
		}
		if err != nil {
			return err
		}

		format := engine.GetConfig().GetOutputConfig().Format
		if err := dcfp.WriteReport(os.Stdout, report, format); err != nil {
			return err
		}
		if report.Cancelled {
			return errInterrupted
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dupesCmd)
}

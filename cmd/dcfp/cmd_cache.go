package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the fingerprint cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print entry counts for the configured cache backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		stats, err := engine.CacheStats()
		if err != nil {
			return err
		}

		if engine.GetConfig().GetOutputConfig().Format == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		fmt.Printf("Backend:  %s\n", stats.Backend)
		if stats.Location != "" {
			fmt.Printf("Location: %s\n", stats.Location)
		}
		fmt.Printf("Entries:  %d (%d inside archives)\n", stats.Entries, stats.Archived)
		for _, name := range stats.AlgorithmNames() {
			fmt.Printf("  %-10s %d\n", name, stats.Algorithms[name])
		}
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	rootCmd.AddCommand(cacheCmd)
}

package main

import (
	"fmt"

	dcfp "github.com/mattkeenan/dircachefingerprint/pkg"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the repository configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print every configuration key with its current value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		cfg := engine.GetConfig()
		for _, key := range dcfp.OverrideKeyNames() {
			value, err := cfg.Value(key)
			if err != nil {
				return err
			}
			fmt.Printf("%-13s %s\n", key, value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Validate and store one configuration value in .dcfp/config",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		// Reload so command-line overrides are not written back
		cfg, err := dcfp.LoadConfig(engine.RepoDir)
		if err != nil {
			return err
		}
		if err := cfg.Set(args[0], args[1]); err != nil {
			return err
		}
		dcfp.VerboseLog(1, "Set %s = %s in %s", args[0], args[1], engine.RepoDir)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}

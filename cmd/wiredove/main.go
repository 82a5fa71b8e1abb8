package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wiredove/wiredove/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
	builtBy = "manual"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "wiredove",
		Short: "wiredove - feed sync engine for a peer-to-peer social log",
		Long: `wiredove keeps a local content-addressable log in sync with peers over a
relay socket and a gossip swarm, and builds moderated feed views from it.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file (defaults are used when empty)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(feedCmd())
	rootCmd.AddCommand(moderateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Print an example configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			exampleConfig, err := config.GetExampleConfig()
			if err != nil {
				return fmt.Errorf("reading example config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(exampleConfig)
			return err
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "wiredove %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
			fmt.Fprintf(out, "  by:     %s\n", builtBy)
		},
	}
}

// loadConfig reads --config, or the defaults plus environment overrides
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Parse(nil)
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

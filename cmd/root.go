// Package cmd wires the CLI entry points for the automagik daemon.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/namastexlabs/automagik/internal/api"
	"github.com/namastexlabs/automagik/internal/config"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "automagik",
	Short:   "Workflow orchestrator for Claude Code runs",
	Long: `Automagik supervises long-running Claude Code workflow executions:
it launches the claude CLI as a child process, isolates each run in a git
worktree, aggregates the stream-json event feed into run state, and exposes
the whole lifecycle over an HTTP API.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.automagik/automagik.yaml)")
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
	api.Version = v
}

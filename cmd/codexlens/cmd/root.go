// Package cmd provides the CLI commands for codexlens.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/codexlens/codexlens/internal/logging"
)

var (
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the codexlens CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codexlens",
		Short: "Hierarchical local code search",
		Long: `codexlens builds a directory-per-database index of a codebase and
searches it with exact, fuzzy, vector, and sparse signals fused by
reciprocal rank fusion, with an optional two-stage cascade for large
trees.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logCfg := logging.DefaultConfig()
			if debugMode {
				logCfg = logging.DebugConfig()
			}
			logger, cleanup, err := logging.Setup(logCfg)
			if err != nil {
				return err
			}
			loggingCleanup = cleanup
			slog.SetDefault(logger)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if loggingCleanup != nil {
				loggingCleanup()
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

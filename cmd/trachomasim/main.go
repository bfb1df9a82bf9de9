// trachomasim runs batches of trachoma transmission simulations from bet and
// MDA files and inspects the local result archive.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/GoSim-25-26J-441/trachoma-core/pkg/config"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/logger"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trachomasim",
		Short: "Trachoma transmission simulator",
		Long: `trachomasim simulates trachoma transmission in a community under mass
drug administration. Each row of a bet file is one simulation; each
simulation runs several seeded replicates.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); defaults to the config file's")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (text, json); defaults to the config file's, then text")

	rootCmd.AddCommand(
		newRunCmd(),
		newCalibrateCmd(),
		newArchiveCmd(),
	)
	return rootCmd
}

// commandLogger builds the logger for a command from the persistent flags.
// Unset flags fall back to the config file's log_level and log_format.
func commandLogger(cmd *cobra.Command, cfg *config.RunConfig, w io.Writer) (*slog.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	if level == "" {
		level = cfg.LogLevel
	}
	if format == "" {
		format = cfg.LogFormat
	}
	if format == "" {
		format = "text"
	}
	log, err := logger.NewWithFormat(format, level, w)
	if err != nil {
		return nil, err
	}
	logger.SetDefault(log)
	return log, nil
}

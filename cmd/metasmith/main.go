// Command metasmith is the thin entry point over the core library: it
// parses flags, wires a logger, and calls straight into internal/bootstrap,
// internal/emitter, and internal/workflow. It does not itself implement
// planning, emission, or execution semantics.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	verbose  bool
	logJSON  bool
	logger   *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "metasmith",
	Short: "metasmith drives staged transform execution and workflow emission",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		opts := &slog.HandlerOptions{Level: level}
		if logJSON {
			logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
		} else {
			logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
		}
		slog.SetDefault(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON instead of text")

	rootCmd.AddCommand(executeTransformCmd)
	rootCmd.AddCommand(stageWorkflowCmd)
	rootCmd.AddCommand(executeWorkflowCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}

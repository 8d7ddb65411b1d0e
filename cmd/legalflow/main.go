// LegalFlow - Legal document event extraction service.
// Orchestrates batch extraction runs over case documents and exports
// chronologies.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/legalflow/legalflow/pkg/config"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var verbose bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "legalflow",
	Short: "LegalFlow - Extract legal event chronologies from case documents",
	Long: `LegalFlow runs LLM-backed extraction pipelines over uploaded legal
documents and produces ordered event chronologies per case.

Start the API server with "legalflow serve"; manage runs with the
status and export subcommands.`,
	Version: fmt.Sprintf("%s (%s)", version, commit),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
}

// setupLogging configures the process-wide slog default from config.
func setupLogging() {
	cfg := config.Global().Get()

	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

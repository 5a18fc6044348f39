package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/convoyd/convoy/internal/server"
)

var (
	convoyDir string
	logLevel  string

	// logger is populated by PersistentPreRun and shared with all
	// subcommands.
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "convoy",
	Short: "Run a stack of local services in dependency order",
	Long: `Convoy starts a declared stack of services (Docker containers and host
processes) in dependency order, gates each service on its dependencies'
health, and supervises restarts while the stack runs.

'convoy up' runs the stack in the foreground; the other commands talk to
that running daemon.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&convoyDir, "dir", "", "convoy directory for runtime files (default $CONVOY_DIR or ~/.convoy)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if convoyDir == "" {
			convoyDir = server.DefaultConvoyDir()
		}
		logger = newLogger(logLevel)
	}

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(validateCmd)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// Execute is the entry point called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Overseer runs an AI coding agent under supervision: a throwaway workspace,
// a command and path policy, a deadline and an append-only audit trail.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/overseer/internal/config"
)

var (
	configPath string
	envFile    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "overseer",
	Short: "Overseer: supervised execution for AI coding agents.",
	Long: `Overseer runs an AI coding agent against a disposable workspace.
Every run is bounded by a capability policy, a command allowlist and a
wall-clock deadline, and every step is written to an append-only audit trail.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return config.LoadEnvFile(envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: built-in defaults, or OVERSEER_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.AddCommand(runCmd, serveCmd, chatCmd, auditCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(ExitFailure)
	}
}

// loadConfig resolves the config path from the flag or OVERSEER_CONFIG.
func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("OVERSEER_CONFIG", configPath))
}

// newLogger builds the JSON logger. Logs go to stderr so stdout stays free
// for results and the MCP stdio transport.
func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(goutils.Env("OVERSEER_LOG_LEVEL", logLevel)),
	}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

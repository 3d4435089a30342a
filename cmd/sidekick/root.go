package main

import (
	"fmt"
	"os"

	"github.com/scrypster/sidekick/internal/config"
	"github.com/scrypster/sidekick/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	envFile  string
	logLevel string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "sidekick",
	Short: "AI VTuber sidekick",
	Long: "An autonomous streaming companion: it watches chat, listens to the operator, " +
		"reacts to the game and speaks through a VTube Studio avatar.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&envFile, "env", "e", "", "Path to a .env file (default: ./.env when present)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override SIDEKICK_LOG_LEVEL (debug, info, warn, error)")
}

// loadConfig loads the configuration and applies persistent flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(envFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.System.LogLevel = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.System.LogLevel, cfg.System.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return logger, nil
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}

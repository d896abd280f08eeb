package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ent0n29/voicerelay/internal/app"
	"github.com/ent0n29/voicerelay/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "voicerelay",
	Short:         "Real-time voice relay between clients and the Voice Live service",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "voicerelay: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and installs the process logger.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config error: %w", err)
	}
	logger := app.NewLogger(cfg, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

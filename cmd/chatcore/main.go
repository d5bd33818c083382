package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/chatcore/internal/config"
	"github.com/xiaot623/gogo/chatcore/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:           "chatcore",
	Short:         "Chat front-end core: streaming sessions over HTTP and WebSocket",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and rejects unusable settings.
func loadConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) *slog.Logger {
	return observability.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)
}

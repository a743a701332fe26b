package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nyashahama/workspace-billing-backend/internal/config"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "billing",
		Short:         "Workspace billing backend: checkout reconciliation and plan management",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := serveCmd()
	rootCmd.AddCommand(serve)
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())

	// Running the binary without a subcommand serves.
	rootCmd.RunE = serve.RunE

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and installs the process logger: JSON in
// production, text otherwise.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()

	var logger *slog.Logger
	switch {
	case cfg == nil:
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	case cfg.IsProduction():
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	default:
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	}
	slog.SetDefault(logger)

	if err != nil {
		return nil, logger, fmt.Errorf("config: %w", err)
	}
	logger.Info("config loaded", "env", cfg.Env, "port", cfg.Port, "store", cfg.StoreDriver)
	return cfg, logger, nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/shivavenkatesh/medarchive/internal/archive"
	"github.com/shivavenkatesh/medarchive/internal/config"
)

// cfg is the resolved configuration for the running command
var cfg config.Config

// setup loads configuration and the logger before any subcommand runs
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		loaded = loaded.WithDataDir(dataDir)
	}
	cfg = loaded
	return configureLogger(logLevel, cfg.LogLevel, verbose)
}

// openArchive opens the configured archive. reg may be nil.
func openArchive(ctx context.Context, reg prometheus.Registerer) (*archive.Archive, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	a, err := archive.Open(ctx, cfg, archive.Options{
		Logger:     slog.Default(),
		Registerer: reg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	if verbose {
		fmt.Printf("Data directory: %s\n", cfg.DataDir)
		fmt.Printf("Metadata store: %s (%s)\n", cfg.Store.Path, cfg.Store.Driver)
		fmt.Printf("Blob vault: %s\n", cfg.Vault.Backend)
	}
	return a, nil
}

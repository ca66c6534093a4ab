// Command dlload mirrors DeepLynx data sources into a local SQLite store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/deeplynx/loader/internal/archive"
	"github.com/deeplynx/loader/internal/config"
	"github.com/deeplynx/loader/internal/deeplynx"
	"github.com/deeplynx/loader/internal/loader"
	"github.com/deeplynx/loader/internal/logging"
	"github.com/deeplynx/loader/internal/secrets"
)

var (
	configPath string
	debugFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "dlload",
	Short: "Mirror DeepLynx data sources into a local SQLite store",
	Long: `dlload downloads time-series extracts from DeepLynx data sources and keeps
a local SQLite table per source up to date.

The first pass for a source builds its table from a full extract. Later passes
resume from the newest stored row and append only what is new, then delete
rows older than the retention window.

Configuration is read from --config, ./dlload.yaml or ~/.config/dlload/dlload.yaml.
Every key can be overridden with a DLLOAD_ environment variable
(e.g. DLLOAD_DB_PATH, DLLOAD_ARCHIVE_BUCKET).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (.yaml or .toml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debugFlag {
		cfg.Debug = true
	}
	return cfg, nil
}

// newLogger builds the process logger for cfg.
func newLogger(cfg *config.Config) *logging.Logger {
	return logging.New(logging.Options{
		Debug: cfg.Debug,
		File:  cfg.LogFile,
	})
}

// newLoader resolves credentials and wires a loader for cfg.
func newLoader(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*loader.Loader, error) {
	if secrets.NeedsResolution(cfg) {
		resolver, err := secrets.NewResolver(ctx, "", logging.Component(logger, "secrets"))
		if err != nil {
			return nil, err
		}
		if err := secrets.ResolveCredentials(ctx, resolver, cfg); err != nil {
			return nil, fmt.Errorf("failed to resolve credentials: %w", err)
		}
	}

	client, err := deeplynx.New(cfg.DeepLynxURL, cfg.APIKey, cfg.APISecret,
		deeplynx.WithLogger(logging.Component(logger, "deeplynx")))
	if err != nil {
		return nil, err
	}
	if !client.Secured() {
		logger.Warn("api_key and api_secret not both set, calls are unauthenticated")
	}

	opts := []loader.Option{loader.WithLogger(logging.Component(logger, "loader"))}
	if cfg.Archive.Enabled() {
		archiver, err := archive.New(ctx, cfg.Archive, logging.Component(logger, "archive"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, loader.WithArchiver(archiver))
	}

	return loader.New(cfg, client, opts...), nil
}

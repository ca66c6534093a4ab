package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deeplynx/loader/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one synchronization pass over every data source",
	Long: `Run one pass over every configured data source, in order.

For each source:
  1. Resolve the resume cursor from the newest stored row
  2. Full load (table absent or empty) or continuation (cursor found)
  3. On continuation, delete rows older than data_retention_days

The first failing source aborts the pass; sources after it are not visited.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		defer logger.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		l, err := newLoader(ctx, cfg, logger.Logger)
		if err != nil {
			return err
		}

		report, err := l.RunPass(ctx)
		ui.NewPrinter(os.Stdout).PassReport(report)
		return err
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

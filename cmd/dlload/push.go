package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deeplynx/loader/internal/ui"
)

var pushCmd = &cobra.Command{
	Use:     "push <file>",
	GroupID: "sync",
	Short:   "Upload a file into a DeepLynx data source",
	Long: `Upload a local file into a DeepLynx data source.

The container defaults to target_container_id and the data source to
target_data_source_id. The content type is guessed from the file extension.

Example:
  dlload push results.csv --data-source 12`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataSourceID, _ := cmd.Flags().GetUint64("data-source")
		containerID, _ := cmd.Flags().GetUint64("container")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		defer logger.Close()

		if containerID != 0 {
			cfg.TargetContainerID = containerID
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		l, err := newLoader(ctx, cfg, logger.Logger)
		if err != nil {
			return err
		}
		if err := l.Push(ctx, dataSourceID, args[0]); err != nil {
			return err
		}
		ui.NewPrinter(os.Stdout).Successf("pushed %s", args[0])
		return nil
	},
}

func init() {
	pushCmd.Flags().Uint64P("data-source", "d", 0, "Data source id (default target_data_source_id)")
	pushCmd.Flags().Uint64("container", 0, "Container id (default target_container_id)")

	rootCmd.AddCommand(pushCmd)
}

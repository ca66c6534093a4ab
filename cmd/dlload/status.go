package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/deeplynx/loader/internal/config"
	"github.com/deeplynx/loader/internal/cursor"
	"github.com/deeplynx/loader/internal/store"
	"github.com/deeplynx/loader/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local tables and resume cursors",
	Long: `Show the local state of every configured data source:
  - whether its table exists and how many rows it holds
  - the cursor the next pass would resume from`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
			fmt.Printf("No store at %s yet. Run 'dlload sync' to create it.\n", cfg.DBPath)
			return nil
		}

		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		rows, err := collectStatus(context.Background(), db, cfg)
		if err != nil {
			return err
		}

		fmt.Printf("Store: %s\n", cfg.DBPath)
		ui.NewPrinter(os.Stdout).Status(rows)
		return nil
	},
}

// collectStatus resolves the local state of every configured data source.
func collectStatus(ctx context.Context, db *store.DB, cfg *config.Config) ([]ui.StatusRow, error) {
	rows := make([]ui.StatusRow, 0, len(cfg.DataSources))
	for _, src := range cfg.DataSources {
		res, err := cursor.Resolve(ctx, db, cursor.Target{
			Table:           src.TableName,
			TimestampColumn: src.TimestampColumnName,
			SecondaryIndex:  src.SecondaryIndex,
		})
		if err != nil {
			return nil, err
		}

		row := ui.StatusRow{Table: src.TableName, State: res.State}
		if res.State != cursor.TableAbsent {
			if row.Rows, err = db.RowCount(ctx, src.TableName); err != nil {
				return nil, err
			}
		}
		if res.Cursor != nil {
			row.Position = res.Cursor.Position
			if res.Cursor.Secondary != nil {
				row.Secondary = strconv.FormatUint(*res.Cursor.Secondary, 10)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

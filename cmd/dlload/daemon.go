package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deeplynx/loader/internal/config"
	"github.com/deeplynx/loader/internal/daemon"
	"github.com/deeplynx/loader/internal/dashboard"
	"github.com/deeplynx/loader/internal/logging"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run synchronization passes on a schedule (foreground)",
	Long: `Run a pass right away and then every refresh_interval seconds.

The daemon will:
  - Keep running when a pass fails; the next pass retries from the cursor
  - Reload the configuration file when it changes
  - Optionally serve a live dashboard (WebSocket + /status)

Press Ctrl+C to stop. Run under a process manager for production use.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		defer logger.Close()

		if cmd.Flags().Changed("dashboard") {
			cfg.Dashboard.Enabled, _ = cmd.Flags().GetBool("dashboard")
		}
		if cmd.Flags().Changed("port") {
			cfg.Dashboard.Port, _ = cmd.Flags().GetInt("port")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		l, err := newLoader(ctx, cfg, logger.Logger)
		if err != nil {
			return err
		}

		factory := func(next *config.Config) (daemon.Runner, error) {
			if debugFlag {
				next.Debug = true
			}
			nl, err := newLoader(ctx, next, logger.Logger)
			if err != nil {
				return nil, err
			}
			return nl, nil
		}

		dcfg := &daemon.Config{
			Interval:   cfg.RefreshEvery(),
			ConfigPath: cfg.Path(),
			Logger:     logging.Component(logger.Logger, "daemon"),
		}

		if cfg.Dashboard.Enabled {
			server := dashboard.NewServer(&dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: logging.Component(logger.Logger, "dashboard"),
			})
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			defer func() {
				if err := server.Stop(); err != nil {
					fmt.Fprintf(os.Stderr, "Error during dashboard shutdown: %v\n", err)
				}
			}()
			dcfg.Observer = dashboard.NewHandler(server, nil)

			fmt.Printf("Dashboard: http://localhost:%d (WebSocket ws://localhost:%d/ws)\n", cfg.Dashboard.Port, cfg.Dashboard.Port)
		}

		d, err := daemon.NewWithConfig(l, factory, dcfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon: %w", err)
		}

		return d.Start(ctx)
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the live dashboard (overrides dashboard.enabled)")
	daemonCmd.Flags().IntP("port", "p", 8080, "Dashboard port (overrides dashboard.port)")

	rootCmd.AddCommand(daemonCmd)
}

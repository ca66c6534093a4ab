// Package daemon runs synchronization passes on a schedule.
//
// The daemon:
// 1. Runs a pass immediately and then every refresh interval
// 2. Watches the configuration file and rebuilds the loader when it changes
// 3. Reports every pass to an optional observer (the live dashboard)
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/deeplynx/loader/internal/config"
	"github.com/deeplynx/loader/internal/loader"
)

// Runner runs one synchronization pass.
type Runner interface {
	RunPass(ctx context.Context) (*loader.PassReport, error)
}

// Factory builds a Runner for a freshly loaded configuration.
type Factory func(cfg *config.Config) (Runner, error)

// Observer is told about every finished pass and configuration reload.
type Observer interface {
	OnPass(report *loader.PassReport, err error)
	OnReload(cfg *config.Config)
}

// Config holds configuration for the daemon.
type Config struct {
	// Interval is the time between the start of one pass and the next
	Interval time.Duration

	// ConfigPath is watched for changes. Empty disables hot reload.
	ConfigPath string

	// DebounceInterval is how long the config file must be quiet before it
	// is reloaded. Editors often write a file in several steps.
	DebounceInterval time.Duration

	// Load reads the configuration file. Defaults to config.Load.
	Load func(path string) (*config.Config, error)

	// Observer receives pass results. Optional.
	Observer Observer

	// Logger for daemon activity
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         5 * time.Minute,
		DebounceInterval: 250 * time.Millisecond,
		Load:             config.Load,
		Logger:           slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "daemon"),
	}
}

// Daemon schedules passes and reloads configuration.
type Daemon struct {
	config  *Config
	factory Factory

	runnerMu sync.Mutex
	runner   Runner
	interval time.Duration

	watcher    *fsnotify.Watcher
	reloadMu   sync.Mutex
	reloadAt   time.Time
	intervalCh chan time.Duration

	statsMu    sync.Mutex
	passes     int
	failures   int
	lastReport *loader.PassReport
	lastErr    error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon with default configuration.
func New(runner Runner, factory Factory) (*Daemon, error) {
	return NewWithConfig(runner, factory, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
//
// factory may be nil when cfg.ConfigPath is empty; it is only used to
// rebuild the runner after a reload.
func NewWithConfig(runner Runner, factory Factory, cfg *Config) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = defaults.DebounceInterval
	}
	if cfg.Load == nil {
		cfg.Load = defaults.Load
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}
	if cfg.ConfigPath != "" && factory == nil {
		return nil, fmt.Errorf("factory cannot be nil when watching %s", cfg.ConfigPath)
	}

	d := &Daemon{
		config:     cfg,
		factory:    factory,
		runner:     runner,
		interval:   cfg.Interval,
		intervalCh: make(chan time.Duration, 1),
	}

	if cfg.ConfigPath != "" {
		abs, err := filepath.Abs(cfg.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
		cfg.ConfigPath = abs

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = watcher
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start runs the daemon.
//
// The daemon will:
// 1. Run a pass right away
// 2. Start watching the configuration file, if one was given
// 3. Run a pass every interval until stopped
//
// This blocks until ctx is cancelled or Stop is called. A failed pass is
// logged and reported; it never stops the daemon.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Info("starting daemon", "interval", d.config.Interval.String())

	if d.watcher != nil {
		// Watch the directory: editors replace files by rename, which drops
		// a watch on the file itself.
		dir := filepath.Dir(d.config.ConfigPath)
		if err := d.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch config directory: %w", err)
		}
		d.config.Logger.Info("watching config", "path", d.config.ConfigPath)

		d.wg.Add(2)
		go d.watchConfigEvents()
		go d.processReloads()
	}

	d.wg.Add(1)
	go d.schedule()

	select {
	case <-ctx.Done():
		d.config.Logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. A pass in progress is cancelled.
func (d *Daemon) Stop() error {
	d.config.Logger.Info("stopping daemon")

	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.config.Logger.Warn("failed to close watcher", "error", err)
		}
	}

	d.wg.Wait()

	d.config.Logger.Info("daemon stopped")
	return nil
}

// RunOnce runs a single pass with the current runner and records the
// outcome.
func (d *Daemon) RunOnce(ctx context.Context) (*loader.PassReport, error) {
	d.runnerMu.Lock()
	runner := d.runner
	d.runnerMu.Unlock()

	report, err := runner.RunPass(ctx)

	d.statsMu.Lock()
	d.passes++
	if err != nil {
		d.failures++
	}
	d.lastReport = report
	d.lastErr = err
	d.statsMu.Unlock()

	if err != nil {
		d.config.Logger.Error("pass failed", "error", err)
	} else if report != nil {
		d.config.Logger.Info("pass finished", "sources", len(report.Sources), "duration", report.Duration.String())
	}

	if d.config.Observer != nil {
		d.config.Observer.OnPass(report, err)
	}
	return report, err
}

// Stats returns the number of passes run, how many failed, and the most
// recent result.
func (d *Daemon) Stats() (passes, failures int, last *loader.PassReport, lastErr error) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.passes, d.failures, d.lastReport, d.lastErr
}

// schedule runs passes on the configured interval.
func (d *Daemon) schedule() {
	defer d.wg.Done()

	_, _ = d.RunOnce(d.ctx)

	d.runnerMu.Lock()
	interval := d.interval
	d.runnerMu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case interval := <-d.intervalCh:
			d.config.Logger.Info("refresh interval changed", "interval", interval.String())
			ticker.Reset(interval)

		case <-ticker.C:
			_, _ = d.RunOnce(d.ctx)
		}
	}
}

// watchConfigEvents monitors the config directory and queues reloads.
func (d *Daemon) watchConfigEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			// Only care about Create, Write, Rename
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != d.config.ConfigPath {
				continue
			}

			d.config.Logger.Debug("config event", "op", event.Op.String(), "path", event.Name)
			d.reloadMu.Lock()
			d.reloadAt = time.Now()
			d.reloadMu.Unlock()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Warn("watcher error", "error", err)
		}
	}
}

// processReloads reloads the configuration once it has been quiet for the
// debounce interval.
func (d *Daemon) processReloads() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.reloadMu.Lock()
			due := !d.reloadAt.IsZero() && time.Since(d.reloadAt) >= d.config.DebounceInterval
			if due {
				d.reloadAt = time.Time{}
			}
			d.reloadMu.Unlock()

			if due {
				if err := d.Reload(); err != nil {
					d.config.Logger.Error("config reload failed, keeping previous config", "error", err)
				}
			}
		}
	}
}

// Reload reads the configuration file and swaps in a runner built from it.
// On any error the current runner stays in place.
func (d *Daemon) Reload() error {
	if d.config.ConfigPath == "" {
		return fmt.Errorf("no config file to reload")
	}

	cfg, err := d.config.Load(d.config.ConfigPath)
	if err != nil {
		return err
	}
	runner, err := d.factory(cfg)
	if err != nil {
		return fmt.Errorf("failed to build loader: %w", err)
	}

	d.runnerMu.Lock()
	d.runner = runner
	every := cfg.RefreshEvery()
	changed := every > 0 && every != d.interval
	if changed {
		d.interval = every
	}
	d.runnerMu.Unlock()

	d.config.Logger.Info("config reloaded", "sources", len(cfg.DataSources))

	if changed {
		// keep only the newest interval
		select {
		case <-d.intervalCh:
		default:
		}
		select {
		case d.intervalCh <- every:
		default:
		}
	}

	if d.config.Observer != nil {
		d.config.Observer.OnReload(cfg)
	}
	return nil
}

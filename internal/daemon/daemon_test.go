package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deeplynx/loader/internal/config"
	"github.com/deeplynx/loader/internal/loader"
)

// countingRunner counts passes and returns err from each.
type countingRunner struct {
	mu     sync.Mutex
	passes int
	err    error
}

func (r *countingRunner) RunPass(ctx context.Context) (*loader.PassReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes++
	report := &loader.PassReport{Started: time.Now()}
	if r.err != nil {
		report.Sources = []loader.SourceReport{{Table: "sensor_a", Err: r.err}}
	}
	return report, r.err
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passes
}

type recordingObserver struct {
	mu      sync.Mutex
	passes  int
	errs    []error
	reloads []*config.Config
}

func (o *recordingObserver) OnPass(report *loader.PassReport, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.passes++
	if err != nil {
		o.errs = append(o.errs, err)
	}
}

func (o *recordingObserver) OnReload(cfg *config.Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reloads = append(o.reloads, cfg)
}

func (o *recordingObserver) reloadCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.reloads)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// startDaemon runs d in the background and returns a function that stops it.
func startDaemon(t *testing.T, d *Daemon) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Start() returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Daemon did not stop")
		}
	}
}

// writeConfig writes cfg as YAML to path, replacing any existing file.
func writeConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := config.Encode(cfg, ".yaml")
	if err != nil {
		t.Fatalf("Failed to encode config: %v", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

func TestNewWithConfig(t *testing.T) {
	runner := &countingRunner{}
	factory := func(*config.Config) (Runner, error) { return runner, nil }

	tests := []struct {
		name    string
		runner  Runner
		factory Factory
		config  *Config
		wantErr bool
	}{
		{"valid", runner, nil, &Config{Interval: time.Second}, false},
		{"nil config uses defaults", runner, nil, nil, false},
		{"nil runner", nil, nil, &Config{}, true},
		{"watch without factory", runner, nil, &Config{ConfigPath: "dlload.yaml"}, true},
		{"watch with factory", runner, factory, &Config{ConfigPath: "dlload.yaml"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewWithConfig(tt.runner, tt.factory, tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewWithConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if d != nil {
				defer d.Stop()
			}
		})
	}
}

func TestNewWithConfig_AppliesDefaults(t *testing.T) {
	d, err := NewWithConfig(&countingRunner{}, nil, &Config{})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	defer d.Stop()

	if d.config.Interval != DefaultConfig().Interval {
		t.Errorf("Interval = %v, want %v", d.config.Interval, DefaultConfig().Interval)
	}
	if d.config.Logger == nil || d.config.Load == nil {
		t.Error("Logger and Load should default")
	}
}

func TestDaemon_RunsPassesOnInterval(t *testing.T) {
	runner := &countingRunner{}
	observer := &recordingObserver{}
	d, err := NewWithConfig(runner, nil, &Config{
		Interval: 20 * time.Millisecond,
		Observer: observer,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}

	stop := startDaemon(t, d)
	waitFor(t, "three passes", func() bool { return runner.count() >= 3 })
	stop()

	passes, failures, last, lastErr := d.Stats()
	if passes < 3 || failures != 0 {
		t.Errorf("Stats() = %d passes, %d failures", passes, failures)
	}
	if last == nil || lastErr != nil {
		t.Errorf("last = %v, lastErr = %v", last, lastErr)
	}

	observer.mu.Lock()
	defer observer.mu.Unlock()
	if observer.passes != passes {
		t.Errorf("observer saw %d passes, daemon ran %d", observer.passes, passes)
	}
}

func TestDaemon_FailedPassKeepsRunning(t *testing.T) {
	runner := &countingRunner{err: errors.New("remote unavailable")}
	observer := &recordingObserver{}
	d, err := NewWithConfig(runner, nil, &Config{
		Interval: 20 * time.Millisecond,
		Observer: observer,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}

	stop := startDaemon(t, d)
	waitFor(t, "two failed passes", func() bool { return runner.count() >= 2 })
	stop()

	_, failures, last, lastErr := d.Stats()
	if failures < 2 {
		t.Errorf("failures = %d, want at least 2", failures)
	}
	if lastErr == nil || last == nil || last.Failed() == nil {
		t.Errorf("last pass should be recorded as failed, got %v / %v", last, lastErr)
	}

	observer.mu.Lock()
	defer observer.mu.Unlock()
	if len(observer.errs) < 2 {
		t.Errorf("observer saw %d errors, want at least 2", len(observer.errs))
	}
}

func TestDaemon_StopIsIdempotent(t *testing.T) {
	d, err := NewWithConfig(&countingRunner{}, nil, &Config{Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("first Stop() failed: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("second Stop() failed: %v", err)
	}
}

func TestDaemon_ReloadsOnConfigChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlload.yaml")
	writeConfig(t, path, config.Sample())

	original := &countingRunner{}
	replacement := &countingRunner{}
	var (
		mu     sync.Mutex
		tables []string
	)
	factory := func(cfg *config.Config) (Runner, error) {
		mu.Lock()
		defer mu.Unlock()
		tables = append(tables, cfg.DataSources[0].TableName)
		return replacement, nil
	}

	observer := &recordingObserver{}
	d, err := NewWithConfig(original, factory, &Config{
		Interval:         20 * time.Millisecond,
		ConfigPath:       path,
		DebounceInterval: 20 * time.Millisecond,
		Observer:         observer,
		Logger:           testLogger(),
	})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}

	stop := startDaemon(t, d)
	defer stop()

	waitFor(t, "first pass", func() bool { return original.count() >= 1 })

	changed := config.Sample()
	changed.DataSources[0].TableName = "sensor_b"
	writeConfig(t, path, changed)

	waitFor(t, "reload", func() bool { return observer.reloadCount() >= 1 })
	waitFor(t, "pass with new runner", func() bool { return replacement.count() >= 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(tables) == 0 || tables[len(tables)-1] != "sensor_b" {
		t.Errorf("factory saw tables %v, want last to be sensor_b", tables)
	}
}

func TestDaemon_InvalidReloadKeepsRunner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlload.yaml")
	writeConfig(t, path, config.Sample())

	original := &countingRunner{}
	factory := func(*config.Config) (Runner, error) {
		t.Error("factory must not be called for an invalid config")
		return nil, nil
	}

	d, err := NewWithConfig(original, factory, &Config{ConfigPath: path, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	defer d.Stop()

	if err := os.WriteFile(path, []byte("deeplynx_url: http://localhost\n"), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	err = d.Reload()
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("Reload() error = %v, want config.ErrInvalid", err)
	}

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}
	if original.count() != 1 {
		t.Errorf("original runner ran %d passes, want 1", original.count())
	}
}

func TestDaemon_ReloadFactoryError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlload.yaml")
	writeConfig(t, path, config.Sample())

	d, err := NewWithConfig(&countingRunner{}, func(*config.Config) (Runner, error) {
		return nil, errors.New("bad credentials")
	}, &Config{ConfigPath: path, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	defer d.Stop()

	if err := d.Reload(); err == nil {
		t.Fatal("Reload() should fail when the loader cannot be built")
	}
}

func TestDaemon_ReloadChangesInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlload.yaml")
	cfg := config.Sample()
	cfg.RefreshInterval = 7
	writeConfig(t, path, cfg)

	runner := &countingRunner{}
	d, err := NewWithConfig(runner, func(*config.Config) (Runner, error) { return runner, nil },
		&Config{Interval: time.Minute, ConfigPath: path, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	defer d.Stop()

	if err := d.Reload(); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}

	select {
	case got := <-d.intervalCh:
		if got != 7*time.Second {
			t.Errorf("interval = %v, want 7s", got)
		}
	default:
		t.Fatal("interval change was not signalled")
	}
}

func TestDaemon_ReloadWithoutConfigPath(t *testing.T) {
	d, err := NewWithConfig(&countingRunner{}, nil, &Config{Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	defer d.Stop()

	if err := d.Reload(); err == nil {
		t.Fatal("Reload() should fail without a config path")
	}
}

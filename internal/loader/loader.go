// Package loader mirrors DeepLynx data sources into the local store.
//
// A pass visits every configured data source in order. For each one the
// loader resolves a resume cursor from the local table and then either
// rebuilds the table from a full extract (table absent, or no usable
// cursor) or appends an incremental extract and enforces the retention
// window. Sources are processed one at a time; the store is opened for the
// duration of a pass and closed afterwards so other processes can use it
// between passes.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/deeplynx/loader/internal/config"
	"github.com/deeplynx/loader/internal/cursor"
	"github.com/deeplynx/loader/internal/deeplynx"
	"github.com/deeplynx/loader/internal/store"
)

// ErrFilesystem wraps failures to create, write or remove staged extracts.
var ErrFilesystem = errors.New("filesystem error")

// Remote is the part of the DeepLynx API the loader drives.
type Remote interface {
	InitiateDownload(ctx context.Context, containerID, dataSourceID uint64, q deeplynx.DownloadQuery) (*deeplynx.DownloadHandle, error)
	DownloadFile(ctx context.Context, containerID, fileID uint64, deleteAfter bool) (io.ReadCloser, error)
	Import(ctx context.Context, containerID, dataSourceID uint64, src deeplynx.ImportSource) error
}

// Archiver keeps a copy of every staged extract.
type Archiver interface {
	Archive(ctx context.Context, table, path string) (string, error)
}

// Mode is how a data source was synchronized.
type Mode int

const (
	// ModeFullLoad rebuilt the table from a complete extract.
	ModeFullLoad Mode = iota
	// ModeContinuation appended rows newer than the resume cursor.
	ModeContinuation
)

// String returns a human-readable representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeFullLoad:
		return "full load"
	case ModeContinuation:
		return "continuation"
	default:
		return "unknown"
	}
}

// SourceReport describes the synchronization of one data source.
type SourceReport struct {
	Table    string
	Mode     Mode
	Reason   cursor.State
	Query    deeplynx.DownloadQuery
	Rows     int64
	Expired  int64
	Cleaned  bool
	Archived string
	Duration time.Duration
	Err      error
}

// PassReport describes one pass over every configured data source.
type PassReport struct {
	Started  time.Time
	Duration time.Duration
	Sources  []SourceReport
}

// Failed returns the report of the source that aborted the pass, if any.
func (p *PassReport) Failed() *SourceReport {
	for i := range p.Sources {
		if p.Sources[i].Err != nil {
			return &p.Sources[i]
		}
	}
	return nil
}

// Loader runs synchronization passes.
type Loader struct {
	cfg      *config.Config
	remote   Remote
	archiver Archiver
	logger   *slog.Logger
	now      func() time.Time
	tempDir  string
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock sets the time source used for retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(l *Loader) {
		if now != nil {
			l.now = now
		}
	}
}

// WithArchiver copies every staged extract through a before it is loaded.
func WithArchiver(a Archiver) Option {
	return func(l *Loader) {
		l.archiver = a
	}
}

// New creates a Loader for cfg talking to remote.
func New(cfg *config.Config, remote Remote, opts ...Option) *Loader {
	l := &Loader{
		cfg:     cfg,
		remote:  remote,
		logger:  slog.Default(),
		now:     time.Now,
		tempDir: cfg.TempDir,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.tempDir == "" {
		l.tempDir = os.TempDir()
	}
	return l
}

// Config returns the configuration the loader runs with.
func (l *Loader) Config() *config.Config {
	return l.cfg
}

// RunPass synchronizes every configured data source in order. The first
// failure aborts the pass; the returned report covers every source visited,
// including the failed one.
func (l *Loader) RunPass(ctx context.Context) (*PassReport, error) {
	report := &PassReport{Started: l.now()}
	defer func() { report.Duration = l.now().Sub(report.Started) }()

	l.logger.Info("starting pass", "sources", len(l.cfg.DataSources), "db_path", l.cfg.DBPath)

	db, err := store.Open(l.cfg.DBPath)
	if err != nil {
		return report, err
	}
	defer func() {
		if err := db.Close(); err != nil {
			l.logger.Warn("failed to close store", "error", err)
		}
	}()

	for _, src := range l.cfg.DataSources {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		rep, err := l.SyncSource(ctx, db, src)
		report.Sources = append(report.Sources, rep)
		if err != nil {
			l.logger.Error("data source failed", "table", src.TableName, "error", err)
			return report, fmt.Errorf("data source %s: %w", src.TableName, err)
		}
	}

	l.logger.Info("pass complete", "sources", len(report.Sources))
	return report, nil
}

// newTempPath returns a fresh staging path for one download.
func (l *Loader) newTempPath() string {
	return filepath.Join(l.tempDir, uuid.NewString()+".csv")
}

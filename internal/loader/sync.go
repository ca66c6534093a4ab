package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/deeplynx/loader/internal/config"
	"github.com/deeplynx/loader/internal/cursor"
	"github.com/deeplynx/loader/internal/deeplynx"
	"github.com/deeplynx/loader/internal/store"
)

// loadFunc loads a staged extract into a table and returns the row count.
type loadFunc func(ctx context.Context, table, path string) (int64, error)

// SyncSource synchronizes one data source against db.
//
// A table that is absent, or has no usable resume cursor, is rebuilt from
// an extract starting at the configured initial timestamp. Otherwise the
// extract since the cursor is appended and rows older than the retention
// window are deleted. Zero rows is a normal outcome, not an error.
func (l *Loader) SyncSource(ctx context.Context, db *store.DB, src config.DataSource) (rep SourceReport, err error) {
	start := l.now()
	rep.Table = src.TableName
	defer func() {
		rep.Duration = l.now().Sub(start)
		rep.Err = err
	}()

	res, err := cursor.Resolve(ctx, db, cursor.Target{
		Table:           src.TableName,
		TimestampColumn: src.TimestampColumnName,
		SecondaryIndex:  src.SecondaryIndex,
	})
	if err != nil {
		return rep, err
	}
	rep.Reason = res.State

	logger := l.logger.With("table", src.TableName, "data_source_id", src.DataSourceID)

	if res.State != cursor.Resumable {
		rep.Mode = ModeFullLoad
		rep.Query = deeplynx.DownloadQuery{
			StartTime:                src.InitialTimestamp,
			SecondaryIndexName:       src.SecondaryIndex,
			SecondaryIndexStartValue: src.InitialIndexStart,
		}
		logger.Info("full load", "reason", res.State.String(), "start_time", rep.Query.StartTime)

		rep.Rows, rep.Archived, err = l.fetchAndLoad(ctx, src, rep.Query, db.ReplaceFromCSV)
		if err != nil {
			return rep, err
		}
		if rep.Rows == 0 {
			logger.Info("no data fetched, table left absent")
		} else {
			logger.Info("table created", "rows", rep.Rows)
		}
		return rep, nil
	}

	rep.Mode = ModeContinuation
	rep.Query = deeplynx.DownloadQuery{
		StartTime:                res.Cursor.Position,
		SecondaryIndexName:       src.SecondaryIndex,
		SecondaryIndexStartValue: res.Cursor.SecondaryOrZero(),
	}
	logger.Debug("continuation",
		"start_time", rep.Query.StartTime,
		"secondary_index_start_value", rep.Query.SecondaryIndexStartValue)

	rep.Rows, rep.Archived, err = l.fetchAndLoad(ctx, src, rep.Query, db.AppendCSV)
	if err != nil {
		return rep, err
	}
	if rep.Rows == 0 {
		logger.Info("no new rows")
	} else {
		logger.Info("rows appended", "rows", rep.Rows)
	}

	cleaner := Cleaner{Days: l.cfg.DataRetentionDays, Now: l.now}
	rep.Expired, err = cleaner.Clean(ctx, db, src.TableName, src.TimestampColumnName)
	if errors.Is(err, store.ErrUntimedColumn) {
		logger.Warn("retention skipped, timestamp column holds no times", "error", err)
		return rep, nil
	}
	if err != nil {
		return rep, err
	}
	rep.Cleaned = true
	if rep.Expired > 0 {
		logger.Info("expired rows deleted", "rows", rep.Expired, "retention_days", cleaner.Days)
	}
	return rep, nil
}

// fetchAndLoad requests an extract, stages it in a temporary file and hands
// it to load. The staged file is removed on every exit path once it exists.
func (l *Loader) fetchAndLoad(ctx context.Context, src config.DataSource, q deeplynx.DownloadQuery, load loadFunc) (rows int64, archived string, err error) {
	handle, err := l.remote.InitiateDownload(ctx, src.ContainerID, src.DataSourceID, q)
	if err != nil {
		return 0, "", err
	}
	fileID, err := handle.ID.Uint64()
	if err != nil {
		return 0, "", fmt.Errorf("%w: file id %q: %v", deeplynx.ErrResponseParsing, handle.ID, err)
	}

	path := l.newTempPath()
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) && err == nil {
			err = fmt.Errorf("%w: failed to remove staged extract: %w", ErrFilesystem, rmErr)
		}
	}()

	size, err := l.stage(ctx, src.ContainerID, fileID, path)
	if err != nil {
		return 0, "", err
	}
	l.logger.Debug("extract staged", "table", src.TableName, "file_id", fileID, "bytes", size, "path", path)

	if l.archiver != nil && size > 0 {
		archived, err = l.archiver.Archive(ctx, src.TableName, path)
		if err != nil {
			// the extract is still loaded; the archive is best effort
			l.logger.Warn("failed to archive extract", "table", src.TableName, "error", err)
			archived, err = "", nil
		}
	}

	rows, err = load(ctx, src.TableName, path)
	return rows, archived, err
}

// stage streams a file's bytes to path and returns how many were written.
func (l *Loader) stage(ctx context.Context, containerID, fileID uint64, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create staged extract: %w", ErrFilesystem, err)
	}

	body, err := l.remote.DownloadFile(ctx, containerID, fileID, l.cfg.DeleteAfterDownload)
	if err != nil {
		_ = f.Close()
		return 0, err
	}
	defer body.Close()

	n, err := io.Copy(f, body)
	if err != nil {
		_ = f.Close()
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return n, fmt.Errorf("%w: failed to write staged extract: %w", ErrFilesystem, err)
		}
		return n, fmt.Errorf("%w: failed to read download: %w", deeplynx.ErrTransport, err)
	}

	if err := f.Close(); err != nil {
		return n, fmt.Errorf("%w: failed to write staged extract: %w", ErrFilesystem, err)
	}
	return n, nil
}

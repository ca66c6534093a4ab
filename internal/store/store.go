// Package store provides the local analytical store the loader mirrors
// DeepLynx data sources into.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, no cgo) with
// WAL enabled so that other processes can read the mirrored tables while a
// pass is running. Extract files are read through the CSV virtual table
// extension, so loading never materializes a file in memory.
//
// Architecture:
//   - Database file: configured db_path
//   - One table per configured data source, schema inferred from the extract
//   - Full loads build a staging table and swap it in atomically
//   - Continuations append rows by header name
//
// The caller MUST call Close() when done; the loader opens the store for the
// duration of one pass only.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ncruces/go-sqlite3"
	"github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/ext/csv"
)

// ErrStore wraps every failure of a local store operation, including SQL
// execution errors and schema mismatches between an extract and its table.
var ErrStore = errors.New("store error")

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name can be used as a table or column name
// of a mirrored table.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// quoteIdent quotes an identifier for SQL text.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteLiteral quotes a string literal for SQL text.
func quoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

func checkIdentifiers(names ...string) error {
	for _, n := range names {
		if !ValidIdentifier(n) {
			return fmt.Errorf("%w: invalid identifier %q", ErrStore, n)
		}
	}
	return nil
}

// storeErr wraps err as a store failure with a description of what failed.
func storeErr(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, what, err)
}

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sql.DB
	path string
}

// registerExtensions runs on every new connection of the pool.
func registerExtensions(c *sqlite3.Conn) error {
	return csv.Register(c)
}

// Open opens (creating if needed) the store at path.
//
// Example:
//
//	db, err := store.Open("data/loader.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storeErr("failed to create database directory", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	conn, err := driver.Open(dsn, registerExtensions)
	if err != nil {
		return nil, storeErr("failed to open database", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, storeErr("failed to ping database", err)
	}

	// loads run on a single connection; a small pool serves catalog reads
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)

	return &DB{conn: conn, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database.
// Performs a WAL checkpoint so that readers see every change without the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return storeErr("failed to close database", err)
	}

	db.conn = nil
	return nil
}

// TableExists reports whether table is present in the catalog.
func (db *DB) TableExists(ctx context.Context, table string) (bool, error) {
	var name string
	err := db.conn.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("failed to look up table "+table, err)
	}
	return true, nil
}

// Tables lists the user tables in the store.
func (db *DB) Tables(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, storeErr("failed to list tables", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storeErr("failed to scan table name", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("failed to list tables", err)
	}
	return tables, nil
}

// RowCount returns the number of rows in table.
func (db *DB) RowCount(ctx context.Context, table string) (int64, error) {
	if err := checkIdentifiers(table); err != nil {
		return 0, err
	}
	var count int64
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&count); err != nil {
		return 0, storeErr("failed to count rows of "+table, err)
	}
	return count, nil
}

// DropTable drops table if it exists.
func (db *DB) DropTable(ctx context.Context, table string) error {
	if err := checkIdentifiers(table); err != nil {
		return err
	}
	if _, err := db.conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table)); err != nil {
		return storeErr("failed to drop table "+table, err)
	}
	return nil
}

// columnTypes returns the declared type of each column of table, upper
// cased, keyed by lower cased column name, plus the column names in order.
func columnTypes(ctx context.Context, q queryer, table string) (map[string]string, []string, error) {
	rows, err := q.QueryContext(ctx, "SELECT name, type FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, nil, storeErr("failed to read columns of "+table, err)
	}
	defer rows.Close()

	types := make(map[string]string)
	var order []string
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, nil, storeErr("failed to scan column of "+table, err)
		}
		types[strings.ToLower(name)] = strings.ToUpper(strings.TrimSpace(typ))
		order = append(order, name)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, storeErr("failed to read columns of "+table, err)
	}
	return types, order, nil
}

// queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

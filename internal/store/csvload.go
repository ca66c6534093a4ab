package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// extractTable is the per-connection virtual table over a staged extract.
	extractTable = "temp.dlload_extract"

	// stagingSuffix names the table a full load is built in before the swap.
	stagingSuffix = "__dlload_staging"

	// inferSample is how many extract rows schema inference looks at.
	inferSample = 1000
)

// Inferred column types of a fresh table.
const (
	TypeInteger   = "INTEGER"
	TypeReal      = "REAL"
	TypeBoolean   = "BOOLEAN"
	TypeTimestamp = "TIMESTAMP"
	TypeText      = "TEXT"
)

// timestampLayouts are the textual forms an extract cell must match to be
// inferred as a timestamp.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02",
}

// textTimeExpr keeps text already in "YYYY-MM-DD HH:MM:SS[.fraction]" form
// as is and rewrites other timestamp forms to UTC in that form, with
// milliseconds when the value has them. {c} stands for the cell.
const textTimeExpr = "CASE" +
	" WHEN {c} GLOB '[0-9][0-9][0-9][0-9]-[0-9][0-9]-[0-9][0-9] [0-9][0-9]:[0-9][0-9]:[0-9][0-9]*'" +
	" AND (substr({c}, 20) = '' OR (substr({c}, 20) GLOB '.[0-9]*' AND substr({c}, 21) NOT GLOB '*[^0-9]*')) THEN {c}" +
	" WHEN strftime('%f', {c}) GLOB '*.000' THEN datetime({c})" +
	" ELSE coalesce(strftime('%Y-%m-%d %H:%M:%f', {c}), {c}) END"

// ReplaceFromCSV builds table fresh from the CSV extract at path, with the
// schema inferred from the extract. The new table replaces any existing one
// in a single transaction. When the extract holds no rows the table is
// dropped instead, since no schema can be inferred from zero samples.
//
// Returns the number of rows loaded.
func (db *DB) ReplaceFromCSV(ctx context.Context, table, path string) (int64, error) {
	if err := checkIdentifiers(table); err != nil {
		return 0, err
	}

	empty, err := emptyFile(path)
	if err != nil {
		return 0, err
	}
	if empty {
		return 0, db.DropTable(ctx, table)
	}

	conn, err := db.conn.Conn(ctx)
	if err != nil {
		return 0, storeErr("failed to acquire connection", err)
	}
	defer conn.Close()

	columns, err := attachExtract(ctx, conn, path)
	if err != nil {
		return 0, err
	}
	defer detachExtract(conn)

	types, err := inferTypes(ctx, conn, columns)
	if err != nil {
		return 0, err
	}

	staging := table + stagingSuffix
	defs := make([]string, len(columns))
	exprs := make([]string, len(columns))
	for i, col := range columns {
		defs[i] = quoteIdent(col) + " " + types[i]
		exprs[i] = castExpr(quoteIdent(col), types[i])
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("failed to begin load of "+table, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		"DROP TABLE IF EXISTS " + quoteIdent(staging),
		fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(staging), strings.Join(defs, ", ")),
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, storeErr("failed to create staging table for "+table, err)
		}
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s SELECT %s FROM %s",
		quoteIdent(staging), strings.Join(exprs, ", "), extractTable))
	if err != nil {
		return 0, storeErr("failed to load extract into "+table, err)
	}
	loaded, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("failed to count rows loaded into "+table, err)
	}

	stmts = []string{"DROP TABLE IF EXISTS " + quoteIdent(table)}
	if loaded == 0 {
		stmts = append(stmts, "DROP TABLE "+quoteIdent(staging))
	} else {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(staging), quoteIdent(table)))
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, storeErr("failed to swap in "+table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("failed to commit load of "+table, err)
	}
	return loaded, nil
}

// AppendCSV appends the rows of the CSV extract at path to an existing
// table. Extract columns are matched to table columns by header name,
// ignoring case; a header naming a column the table lacks is a schema
// mismatch. Table columns absent from the extract are left NULL.
//
// Returns the number of rows appended.
func (db *DB) AppendCSV(ctx context.Context, table, path string) (int64, error) {
	if err := checkIdentifiers(table); err != nil {
		return 0, err
	}

	empty, err := emptyFile(path)
	if err != nil || empty {
		return 0, err
	}

	conn, err := db.conn.Conn(ctx)
	if err != nil {
		return 0, storeErr("failed to acquire connection", err)
	}
	defer conn.Close()

	decls, order, err := columnTypes(ctx, conn, table)
	if err != nil {
		return 0, err
	}
	if len(order) == 0 {
		return 0, fmt.Errorf("%w: table %s does not exist", ErrStore, table)
	}
	names := make(map[string]string, len(order))
	for _, name := range order {
		names[strings.ToLower(name)] = name
	}

	columns, err := attachExtract(ctx, conn, path)
	if err != nil {
		return 0, err
	}
	defer detachExtract(conn)

	targets := make([]string, len(columns))
	exprs := make([]string, len(columns))
	for i, col := range columns {
		key := strings.ToLower(col)
		name, ok := names[key]
		if !ok {
			return 0, fmt.Errorf("%w: extract column %q has no counterpart in table %s", ErrStore, col, table)
		}
		targets[i] = quoteIdent(name)
		exprs[i] = castExpr(quoteIdent(col), decls[key])
	}

	res, err := conn.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		quoteIdent(table), strings.Join(targets, ", "), strings.Join(exprs, ", "), extractTable))
	if err != nil {
		return 0, storeErr("failed to append extract to "+table, err)
	}
	appended, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("failed to count rows appended to "+table, err)
	}
	return appended, nil
}

func emptyFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, storeErr("failed to stat extract", err)
	}
	return info.Size() == 0, nil
}

// attachExtract exposes the CSV file at path as extractTable on conn and
// returns its header.
func attachExtract(ctx context.Context, conn *sql.Conn, path string) ([]string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, storeErr("failed to resolve extract path", err)
	}

	stmts := []string{
		"DROP TABLE IF EXISTS " + extractTable,
		fmt.Sprintf("CREATE VIRTUAL TABLE %s USING csv(filename=%s, header=YES)", extractTable, quoteLiteral(abs)),
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return nil, storeErr("failed to open extract "+filepath.Base(path), err)
		}
	}

	rows, err := conn.QueryContext(ctx, "SELECT * FROM "+extractTable+" LIMIT 0")
	if err != nil {
		return nil, storeErr("failed to read extract header", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, storeErr("failed to read extract header", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: extract %s has no columns", ErrStore, filepath.Base(path))
	}
	return columns, nil
}

func detachExtract(conn *sql.Conn) {
	_, _ = conn.ExecContext(context.Background(), "DROP TABLE IF EXISTS "+extractTable)
}

// inferTypes samples the extract and picks the narrowest type every
// non-empty cell of each column fits.
func inferTypes(ctx context.Context, conn *sql.Conn, columns []string) ([]string, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", extractTable, inferSample))
	if err != nil {
		return nil, storeErr("failed to sample extract", err)
	}
	defer rows.Close()

	kinds := make([]*columnKind, len(columns))
	for i := range kinds {
		kinds[i] = newColumnKind()
	}

	cells := make([]sql.NullString, len(columns))
	dest := make([]any, len(columns))
	for i := range cells {
		dest[i] = &cells[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, storeErr("failed to sample extract", err)
		}
		for i, cell := range cells {
			if cell.Valid {
				kinds[i].observe(cell.String)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("failed to sample extract", err)
	}

	types := make([]string, len(columns))
	for i, k := range kinds {
		types[i] = k.result()
	}
	return types, nil
}

// columnKind tracks which types a column's sampled cells still fit.
type columnKind struct {
	seen      bool
	integer   bool
	real      bool
	boolean   bool
	timestamp bool
}

func newColumnKind() *columnKind {
	return &columnKind{integer: true, real: true, boolean: true, timestamp: true}
}

func (k *columnKind) observe(cell string) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return
	}
	k.seen = true
	if k.integer || k.real {
		_, err := strconv.ParseInt(cell, 10, 64)
		if errors.Is(err, strconv.ErrRange) {
			// wider than int64; REAL would round it
			k.integer, k.real = false, false
		}
		k.integer = k.integer && err == nil
	}
	if k.real {
		k.real = isDecimalNumber(cell)
	}
	if k.boolean {
		l := strings.ToLower(cell)
		k.boolean = l == "true" || l == "false"
	}
	if k.timestamp {
		k.timestamp = isTimestamp(cell)
	}
}

func (k *columnKind) result() string {
	switch {
	case !k.seen:
		return TypeText
	case k.integer:
		return TypeInteger
	case k.real:
		return TypeReal
	case k.boolean:
		return TypeBoolean
	case k.timestamp:
		return TypeTimestamp
	default:
		return TypeText
	}
}

// isDecimalNumber reports whether s is a finite number in plain decimal or
// exponent notation. ParseFloat alone also takes "NaN", "Inf" and hex.
func isDecimalNumber(s string) bool {
	if strings.TrimLeft(s, "0123456789+-.eE") != "" {
		return false
	}
	f, err := strconv.ParseFloat(s, 64)
	return err == nil && !math.IsInf(f, 0) && !math.IsNaN(f)
}

func isTimestamp(s string) bool {
	_, ok := parseTimestamp(s)
	return ok
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// castExpr converts the text cell col into a value for a column declared
// as decl. Empty cells become NULL.
func castExpr(col, decl string) string {
	cell := fmt.Sprintf("NULLIF(%s, '')", col)

	if unit, ok := unitTypes[decl]; ok {
		if strings.HasPrefix(decl, "TIME_") {
			return fmt.Sprintf("CAST(%s AS INTEGER)", cell)
		}
		return fmt.Sprintf("CASE WHEN %[1]s IS NULL THEN NULL"+
			" WHEN %[1]s NOT GLOB '*[^0-9-]*' THEN CAST(%[1]s AS INTEGER)"+
			" ELSE CAST(unixepoch(%[1]s, 'subsec') * %[2]d AS INTEGER) END", cell, unitFactor[unit])
	}

	switch {
	case isBooleanType(decl):
		return fmt.Sprintf("CASE lower(%s) WHEN 'true' THEN 1 WHEN 'false' THEN 0 WHEN '1' THEN 1 WHEN '0' THEN 0 ELSE NULL END", cell)
	case isTextTimeType(decl):
		return strings.ReplaceAll(textTimeExpr, "{c}", cell)
	case strings.Contains(decl, "INT"):
		return fmt.Sprintf("CAST(%s AS INTEGER)", cell)
	case strings.Contains(decl, "REAL"), strings.Contains(decl, "FLOA"), strings.Contains(decl, "DOUB"):
		return fmt.Sprintf("CAST(%s AS REAL)", cell)
	default:
		return cell
	}
}

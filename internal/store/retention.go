package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deeplynx/loader/internal/cursor"
)

// ErrUntimedColumn is returned by DeleteOlderThan for a column whose
// declared type carries no time unit, such as a plain INTEGER index. Its
// values cannot be compared with an instant.
var ErrUntimedColumn = errors.New("column has no time unit")

// DeleteOlderThan deletes the rows of table whose column value is strictly
// before cutoff and returns how many were deleted.
//
// The cutoff is rendered for the column's declared type: epoch counts in
// the declared unit for TIMESTAMP_* columns, days for DATE and UTC
// "YYYY-MM-DD HH:MM:SS" text for text columns. Other numeric and boolean
// columns fail with ErrUntimedColumn and nothing is deleted.
func (db *DB) DeleteOlderThan(ctx context.Context, table, column string, cutoff time.Time) (int64, error) {
	if err := checkIdentifiers(table, column); err != nil {
		return 0, err
	}

	types, _, err := columnTypes(ctx, db.conn, table)
	if err != nil {
		return 0, err
	}
	decl, ok := types[strings.ToLower(column)]
	if !ok {
		return 0, fmt.Errorf("%w: table %s has no column %s", ErrStore, table, column)
	}

	arg, ok := cutoffArg(decl, cutoff)
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s is declared %s", ErrUntimedColumn, table, column, decl)
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", quoteIdent(table), quoteIdent(column))
	res, err := db.conn.ExecContext(ctx, query, arg)
	if err != nil {
		return 0, storeErr("failed to delete expired rows of "+table, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("failed to count expired rows of "+table, err)
	}
	return deleted, nil
}

func cutoffArg(decl string, cutoff time.Time) (any, bool) {
	cutoff = cutoff.UTC()
	if unit, ok := unitTypes[decl]; ok && strings.HasPrefix(decl, "TIMESTAMP_") {
		switch unit {
		case cursor.Second:
			return cutoff.Unix(), true
		case cursor.Millisecond:
			return cutoff.UnixMilli(), true
		case cursor.Microsecond:
			return cutoff.UnixMicro(), true
		default:
			return cutoff.UnixNano(), true
		}
	}

	switch {
	case decl == "DATE":
		return cutoff.Unix() / 86400, true
	case strings.HasPrefix(decl, "TIME_"), isBooleanType(decl), isDecimalType(decl),
		strings.Contains(decl, "INT"), strings.Contains(decl, "REAL"),
		strings.Contains(decl, "FLOA"), strings.Contains(decl, "DOUB"):
		return nil, false
	default:
		return cutoff.Format(cursor.Layout), true
	}
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deeplynx/loader/internal/cursor"
)

// unitTypes maps declared column types of integer-encoded times to their
// unit. Tables created outside the loader may use them; the loader's own
// inferred schemas store times as text.
var unitTypes = map[string]cursor.TimeUnit{
	"TIMESTAMP_S":  cursor.Second,
	"TIMESTAMP_MS": cursor.Millisecond,
	"TIMESTAMP_US": cursor.Microsecond,
	"TIMESTAMP_NS": cursor.Nanosecond,
	"TIME_S":       cursor.Second,
	"TIME_MS":      cursor.Millisecond,
	"TIME_US":      cursor.Microsecond,
	"TIME_NS":      cursor.Nanosecond,
}

// unitFactor is the number of units per second.
var unitFactor = map[cursor.TimeUnit]int64{
	cursor.Second:      1,
	cursor.Millisecond: 1_000,
	cursor.Microsecond: 1_000_000,
	cursor.Nanosecond:  1_000_000_000,
}

func isBooleanType(decl string) bool {
	return decl == "BOOLEAN" || decl == "BOOL"
}

func isDecimalType(decl string) bool {
	return strings.HasPrefix(decl, "DECIMAL") || strings.HasPrefix(decl, "NUMERIC")
}

func isTextTimeType(decl string) bool {
	return decl == "TIMESTAMP" || decl == "DATETIME" || decl == "TIMESTAMPTZ"
}

// decodeValue classifies a value read from a column declared as decl.
func decodeValue(decl string, v any) cursor.Value {
	switch v := v.(type) {
	case nil:
		return cursor.Null{}
	case bool:
		return cursor.Boolean(v)
	case int64:
		if unit, ok := unitTypes[decl]; ok {
			if strings.HasPrefix(decl, "TIME_") {
				return cursor.Time{V: v, Unit: unit}
			}
			return cursor.Timestamp{V: v, Unit: unit}
		}
		switch {
		case decl == "DATE":
			return cursor.Date{Days: int32(v)}
		case isBooleanType(decl):
			return cursor.Boolean(v != 0)
		default:
			return cursor.Int(v)
		}
	case float64:
		return cursor.Float{V: v, Bits: 64}
	case string:
		if isDecimalType(decl) {
			if d, ok := cursor.ParseDecimal(v); ok {
				return d
			}
		}
		// stored text timestamps may carry fractions; the cursor does not
		if isTextTimeType(decl) {
			if t, ok := parseTimestamp(v); ok {
				return cursor.Timestamp{V: t.UnixMicro(), Unit: cursor.Microsecond}
			}
		}
		return cursor.Text(v)
	case []byte:
		return cursor.Blob(v)
	case time.Time:
		return cursor.Timestamp{V: v.UnixMicro(), Unit: cursor.Microsecond}
	default:
		return cursor.Unknown{Type: fmt.Sprintf("%T", v)}
	}
}

// LastRow returns the row of table with the greatest timestampColumn value,
// ties broken by the greatest secondary value when secondary is set. Row
// order on disk is never assumed to reflect recency.
func (db *DB) LastRow(ctx context.Context, table, timestampColumn, secondary string) (cursor.Row, bool, error) {
	idents := []string{table, timestampColumn}
	if secondary != "" {
		idents = append(idents, secondary)
	}
	if err := checkIdentifiers(idents...); err != nil {
		return cursor.Row{}, false, err
	}

	types, _, err := columnTypes(ctx, db.conn, table)
	if err != nil {
		return cursor.Row{}, false, err
	}

	// Unary plus hides the declared type from the driver, which would
	// otherwise decode date-like columns into time.Time on its own terms.
	ts := quoteIdent(timestampColumn)
	query := fmt.Sprintf("SELECT +%s FROM %s ORDER BY %s DESC LIMIT 1", ts, quoteIdent(table), ts)
	if secondary != "" {
		seq := quoteIdent(secondary)
		query = fmt.Sprintf("SELECT +%s, +%s FROM %s ORDER BY %s DESC, %s DESC LIMIT 1",
			ts, seq, quoteIdent(table), ts, seq)
	}

	var tsVal, seqVal any
	dest := []any{&tsVal}
	if secondary != "" {
		dest = append(dest, &seqVal)
	}

	err = db.conn.QueryRowContext(ctx, query).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return cursor.Row{}, false, nil
	}
	if err != nil {
		return cursor.Row{}, false, storeErr("failed to read last row of "+table, err)
	}

	row := cursor.Row{Timestamp: decodeValue(types[strings.ToLower(timestampColumn)], tsVal)}
	if secondary != "" {
		row.Secondary = decodeValue(types[strings.ToLower(secondary)], seqVal)
	}
	return row, true, nil
}

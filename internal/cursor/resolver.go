package cursor

import (
	"context"
	"fmt"
	"math"
)

// Row is the most recent row of a table: the timestamp column value and,
// when a secondary index is configured, the secondary index value.
type Row struct {
	Timestamp Value
	Secondary Value
}

// Reader is the read access the resolver needs from the local store.
type Reader interface {
	// TableExists reports whether the table is present in the catalog.
	TableExists(ctx context.Context, table string) (bool, error)

	// LastRow returns the row with the greatest timestamp column value,
	// ties broken by the greatest secondary index when secondary is not
	// empty. The boolean is false for an empty table.
	LastRow(ctx context.Context, table, timestampColumn, secondary string) (Row, bool, error)
}

// State is the outcome of resolving a table's cursor.
type State int

const (
	// TableAbsent means the table is not in the catalog.
	TableAbsent State = iota
	// NoCursor means the table exists but has no row usable as a cursor.
	NoCursor
	// Resumable means a Cursor was derived from the last row.
	Resumable
)

// String returns a short name for the state.
func (s State) String() string {
	switch s {
	case TableAbsent:
		return "table-absent"
	case NoCursor:
		return "no-cursor"
	case Resumable:
		return "resumable"
	default:
		return "unknown"
	}
}

// Cursor is a resume position computed from the last stored row.
type Cursor struct {
	// Position is the canonical text form of the timestamp column value.
	Position string

	// Secondary is the last secondary index value; nil when no secondary
	// index is configured.
	Secondary *uint64
}

// SecondaryOrZero returns the secondary index position, or 0 when none.
func (c *Cursor) SecondaryOrZero() uint64 {
	if c == nil || c.Secondary == nil {
		return 0
	}
	return *c.Secondary
}

// Resolution is the result of Resolve. Cursor is set only for Resumable.
type Resolution struct {
	State  State
	Cursor *Cursor
}

// Target names the table and columns to resolve a cursor for.
type Target struct {
	Table           string
	TimestampColumn string
	SecondaryIndex  string
}

// Resolve determines whether target's table exists and, if it does,
// computes its resume cursor from the most recent row.
func Resolve(ctx context.Context, r Reader, target Target) (Resolution, error) {
	exists, err := r.TableExists(ctx, target.Table)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to look up table %s: %w", target.Table, err)
	}
	if !exists {
		return Resolution{State: TableAbsent}, nil
	}

	row, found, err := r.LastRow(ctx, target.Table, target.TimestampColumn, target.SecondaryIndex)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to read last row of %s: %w", target.Table, err)
	}
	if !found {
		return Resolution{State: NoCursor}, nil
	}

	position, ok, err := Canonical(row.Timestamp)
	if err != nil {
		return Resolution{}, fmt.Errorf("column %s of %s: %w", target.TimestampColumn, target.Table, err)
	}
	if !ok {
		return Resolution{State: NoCursor}, nil
	}

	c := &Cursor{Position: position}
	if target.SecondaryIndex != "" {
		seq, err := Unsigned(row.Secondary)
		if err != nil {
			return Resolution{}, fmt.Errorf("column %s of %s: %w", target.SecondaryIndex, target.Table, err)
		}
		c.Secondary = &seq
	}

	return Resolution{State: Resumable, Cursor: c}, nil
}

// Unsigned extracts a secondary index position from v.
func Unsigned(v Value) (uint64, error) {
	switch v := v.(type) {
	case Integer:
		n := v.Big()
		if n.Sign() < 0 || !n.IsUint64() {
			return 0, fmt.Errorf("%w: %s out of range", ErrSecondaryIndex, n)
		}
		return n.Uint64(), nil
	case Float:
		if v.V < 0 || v.V != math.Trunc(v.V) || v.V >= math.MaxUint64 {
			return 0, fmt.Errorf("%w: %v", ErrSecondaryIndex, v.V)
		}
		return uint64(v.V), nil
	case nil, Null:
		return 0, fmt.Errorf("%w: NULL", ErrSecondaryIndex)
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrSecondaryIndex, v)
	}
}

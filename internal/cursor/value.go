// Package cursor derives the resume position of a locally mirrored table.
//
// The local store can hold the timestamp column in many representations
// (integers, floats, fixed-point numbers, unit-carrying timestamps, text,
// raw bytes). Every representation is modelled as one variant of Value and
// converted to the single text form the remote service accepts as a
// startTime by Canonical.
package cursor

import (
	"errors"
	"math/big"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Layout is the text form of every time-based cursor.
const Layout = "2006-01-02 15:04:05"

var (
	// ErrInvalidCursorEncoding is returned when a blob cursor value is not
	// valid UTF-8. Rows only enter the table as CSV text, so this indicates
	// a corrupted table rather than a condition to skip over.
	ErrInvalidCursorEncoding = errors.New("cursor value is not valid UTF-8")

	// ErrSecondaryIndex is returned when a configured secondary index column
	// is missing from the last row or is not an unsigned integer.
	ErrSecondaryIndex = errors.New("secondary index value missing or not an unsigned integer")
)

// TimeUnit is the resolution of an integer-encoded timestamp or time.
type TimeUnit int

const (
	Second TimeUnit = iota
	Millisecond
	Microsecond
	Nanosecond
)

// String returns the unit suffix used in declared column types.
func (u TimeUnit) String() string {
	switch u {
	case Second:
		return "s"
	case Millisecond:
		return "ms"
	case Microsecond:
		return "us"
	case Nanosecond:
		return "ns"
	default:
		return "unknown"
	}
}

// Value is a stored column value. The concrete types below are the only
// implementations.
type Value interface {
	isValue()
}

// Null is an SQL NULL.
type Null struct{}

// Boolean is a boolean column value.
type Boolean bool

// Integer is any integer-family value, signed or unsigned, of any width.
type Integer struct {
	n *big.Int
}

// Float is a floating point value; Bits is 32 or 64.
type Float struct {
	V    float64
	Bits int
}

// Decimal is a fixed-point value: Unscaled × 10^-Scale.
type Decimal struct {
	Unscaled *big.Int
	Scale    int
}

// Timestamp is an instant stored as an offset from the Unix epoch in Unit.
type Timestamp struct {
	V    int64
	Unit TimeUnit
}

// Time is a time value stored as an offset in Unit. It is rendered the same
// way as a Timestamp.
type Time struct {
	V    int64
	Unit TimeUnit
}

// Date is a calendar date stored as days since the Unix epoch.
type Date struct {
	Days int32
}

// Text is a text column value; it is used as the cursor verbatim.
type Text string

// Blob is raw bytes holding UTF-8 text.
type Blob []byte

// Unknown is a value the store could not classify.
type Unknown struct {
	Type string
}

func (Null) isValue()      {}
func (Boolean) isValue()   {}
func (Integer) isValue()   {}
func (Float) isValue()     {}
func (Decimal) isValue()   {}
func (Timestamp) isValue() {}
func (Time) isValue()      {}
func (Date) isValue()      {}
func (Text) isValue()      {}
func (Blob) isValue()      {}
func (Unknown) isValue()   {}

// Int returns an Integer holding v.
func Int(v int64) Integer { return Integer{n: big.NewInt(v)} }

// Uint returns an Integer holding v.
func Uint(v uint64) Integer { return Integer{n: new(big.Int).SetUint64(v)} }

// BigInt returns an Integer holding a copy of v.
func BigInt(v *big.Int) Integer { return Integer{n: new(big.Int).Set(v)} }

// Big returns the integer as a big.Int. The zero Integer is 0.
func (i Integer) Big() *big.Int {
	if i.n == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(i.n)
}

// ParseDecimal parses a plain decimal literal such as "-12.340".
func ParseDecimal(s string) (Decimal, bool) {
	s = strings.TrimSpace(s)
	digits := s
	scale := 0
	if i := strings.IndexByte(s, '.'); i >= 0 {
		digits = s[:i] + s[i+1:]
		scale = len(s) - i - 1
	}
	n, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return Decimal{}, false
	}
	return Decimal{Unscaled: n, Scale: scale}, true
}

// String renders the decimal with exactly Scale fractional digits.
func (d Decimal) String() string {
	n := d.Unscaled
	if n == nil {
		n = new(big.Int)
	}
	if d.Scale <= 0 {
		return n.String()
	}
	neg := n.Sign() < 0
	digits := new(big.Int).Abs(n).String()
	if len(digits) <= d.Scale {
		digits = strings.Repeat("0", d.Scale-len(digits)+1) + digits
	}
	cut := len(digits) - d.Scale
	out := digits[:cut] + "." + digits[cut:]
	if neg {
		out = "-" + out
	}
	return out
}

// Canonical converts a stored value into the remote cursor text form.
//
// The boolean result is false when the value cannot serve as a cursor
// (NULL, nanosecond-resolution times, unknown types). That is not an error:
// the caller falls back to a full load. The only error is
// ErrInvalidCursorEncoding for blobs that are not UTF-8.
func Canonical(v Value) (string, bool, error) {
	switch v := v.(type) {
	case Boolean:
		return strconv.FormatBool(bool(v)), true, nil
	case Integer:
		return v.Big().String(), true, nil
	case Float:
		bits := v.Bits
		if bits != 32 {
			bits = 64
		}
		return strconv.FormatFloat(v.V, 'f', -1, bits), true, nil
	case Decimal:
		return v.String(), true, nil
	case Timestamp:
		return formatInstant(v.V, v.Unit)
	case Time:
		return formatInstant(v.V, v.Unit)
	case Date:
		return time.Unix(int64(v.Days)*86400, 0).UTC().Format(Layout), true, nil
	case Text:
		return string(v), true, nil
	case Blob:
		if !utf8.Valid(v) {
			return "", false, ErrInvalidCursorEncoding
		}
		return string(v), true, nil
	default:
		// Null, Unknown
		return "", false, nil
	}
}

func formatInstant(v int64, unit TimeUnit) (string, bool, error) {
	var t time.Time
	switch unit {
	case Second:
		t = time.Unix(v, 0)
	case Millisecond:
		t = time.UnixMilli(v)
	case Microsecond:
		t = time.UnixMicro(v)
	default:
		// nanosecond values never come from the loader's own writes
		return "", false, nil
	}
	return t.UTC().Format(Layout), true, nil
}

package cursor

import (
	"math/big"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical_Scalars(t *testing.T) {
	huge, _ := new(big.Int).SetString("170141183460469231731687303715884105727", 10)

	tests := []struct {
		name  string
		value Value
		want  string
	}{
		{"boolean true", Boolean(true), "true"},
		{"boolean false", Boolean(false), "false"},
		{"tinyint", Int(-7), "-7"},
		{"bigint", Int(9223372036854775807), "9223372036854775807"},
		{"ubigint", Uint(18446744073709551615), "18446744073709551615"},
		{"hugeint", BigInt(huge), "170141183460469231731687303715884105727"},
		{"double", Float{V: 1.5, Bits: 64}, "1.5"},
		{"double large", Float{V: 1e21, Bits: 64}, "1000000000000000000000"},
		{"float", Float{V: float64(float32(0.1)), Bits: 32}, "0.1"},
		{"decimal", Decimal{Unscaled: big.NewInt(-12340), Scale: 3}, "-12.340"},
		{"decimal small", Decimal{Unscaled: big.NewInt(5), Scale: 4}, "0.0005"},
		{"text", Text("2024-01-01 00:00:00"), "2024-01-01 00:00:00"},
		{"blob", Blob("42"), "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := Canonical(tt.value)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonical_RoundTrip(t *testing.T) {
	got, _, err := Canonical(Float{V: 3.14159265358979, Bits: 64})
	require.NoError(t, err)
	f, err := strconv.ParseFloat(got, 64)
	require.NoError(t, err)
	assert.Equal(t, 3.14159265358979, f)

	got, _, err = Canonical(Int(-42))
	require.NoError(t, err)
	i, err := strconv.ParseInt(got, 10, 64)
	require.NoError(t, err)
	assert.Equal(t, int64(-42), i)

	d := Decimal{Unscaled: big.NewInt(123456), Scale: 2}
	got, _, err = Canonical(d)
	require.NoError(t, err)
	parsed, ok := ParseDecimal(got)
	require.True(t, ok)
	assert.Equal(t, 0, parsed.Unscaled.Cmp(d.Unscaled))
	assert.Equal(t, d.Scale, parsed.Scale)
}

func TestCanonical_TimeUnits(t *testing.T) {
	instant := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value Value
	}{
		{"seconds", Timestamp{V: instant.Unix(), Unit: Second}},
		{"milliseconds", Timestamp{V: instant.UnixMilli(), Unit: Millisecond}},
		{"microseconds", Timestamp{V: instant.UnixMicro(), Unit: Microsecond}},
		{"time microseconds", Time{V: instant.UnixMicro(), Unit: Microsecond}},
		{"date", Date{Days: int32(instant.Unix() / 86400)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := Canonical(tt.value)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "2024-01-01 00:00:00", got)

			back, err := time.Parse(Layout, got)
			require.NoError(t, err)
			assert.True(t, back.Equal(instant))
		})
	}
}

func TestCanonical_NoCursor(t *testing.T) {
	for _, v := range []Value{
		Timestamp{V: 1704067200000000000, Unit: Nanosecond},
		Time{V: 1, Unit: Nanosecond},
		Null{},
		Unknown{Type: "INTERVAL"},
	} {
		got, ok, err := Canonical(v)
		assert.NoError(t, err, "%T", v)
		assert.False(t, ok, "%T", v)
		assert.Empty(t, got)
	}
}

func TestCanonical_InvalidBlob(t *testing.T) {
	_, ok, err := Canonical(Blob{0xff, 0xfe, 0x00})
	assert.ErrorIs(t, err, ErrInvalidCursorEncoding)
	assert.False(t, ok)
}

func TestParseDecimal_Rejects(t *testing.T) {
	_, ok := ParseDecimal("12.3.4")
	assert.False(t, ok)
	_, ok = ParseDecimal("abc")
	assert.False(t, ok)
}

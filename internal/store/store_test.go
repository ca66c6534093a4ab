package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deeplynx/loader/internal/cursor"
)

// openTestDB opens a store in a temporary directory.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// writeCSV writes an extract file and returns its path.
func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extract.csv")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write extract: %v", err)
	}
	return path
}

func mustExec(t *testing.T, db *DB, query string, args ...any) {
	t.Helper()
	if _, err := db.RawDB().Exec(query, args...); err != nil {
		t.Fatalf("exec %q failed: %v", query, err)
	}
}

func TestOpen_Success(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "loader.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestClose_Twice(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}

func TestValidIdentifier(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"sensor_a", true},
		{"_ts", true},
		{"Ts2", true},
		{"", false},
		{"2ts", false},
		{"ts; DROP TABLE x", false},
		{`a"b`, false},
	}
	for _, tt := range tests {
		if got := ValidIdentifier(tt.name); got != tt.want {
			t.Errorf("ValidIdentifier(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTableExists(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	exists, err := db.TableExists(ctx, "sensor_a")
	if err != nil {
		t.Fatalf("TableExists() failed: %v", err)
	}
	if exists {
		t.Error("TableExists() = true for missing table")
	}

	mustExec(t, db, `CREATE TABLE sensor_a (ts TEXT)`)
	exists, err = db.TableExists(ctx, "sensor_a")
	if err != nil {
		t.Fatalf("TableExists() failed: %v", err)
	}
	if !exists {
		t.Error("TableExists() = false for existing table")
	}
}

func TestReplaceFromCSV_CreatesTable(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	path := writeCSV(t, "ts,seq,reading,ok,label\n"+
		"2024-01-01 00:00:00,1,1.5,true,a\n"+
		"2024-01-01T00:00:05Z,2,2.5,false,\n"+
		"2024-01-01 00:00:10,3,3,true,c\n")

	loaded, err := db.ReplaceFromCSV(ctx, "sensor_a", path)
	if err != nil {
		t.Fatalf("ReplaceFromCSV() failed: %v", err)
	}
	if loaded != 3 {
		t.Errorf("loaded = %d, want 3", loaded)
	}

	types, _, err := columnTypes(ctx, db.conn, "sensor_a")
	if err != nil {
		t.Fatalf("columnTypes() failed: %v", err)
	}
	want := map[string]string{
		"ts":      TypeTimestamp,
		"seq":     TypeInteger,
		"reading": TypeReal,
		"ok":      TypeBoolean,
		"label":   TypeText,
	}
	for col, typ := range want {
		if types[col] != typ {
			t.Errorf("column %s type = %q, want %q", col, types[col], typ)
		}
	}

	var nulls int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM sensor_a WHERE label IS NULL`).Scan(&nulls); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if nulls != 1 {
		t.Errorf("NULL labels = %d, want 1", nulls)
	}

	var ts string
	if err := db.conn.QueryRow(`SELECT CAST(ts AS TEXT) FROM sensor_a WHERE seq = 2`).Scan(&ts); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if ts != "2024-01-01 00:00:05" {
		t.Errorf("normalized ts = %q, want %q", ts, "2024-01-01 00:00:05")
	}

	if exists, _ := db.TableExists(ctx, "sensor_a"+stagingSuffix); exists {
		t.Error("staging table left behind")
	}
}

func TestReplaceFromCSV_KeepsFractionalSeconds(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	path := writeCSV(t, "ts,seq\n"+
		"2024-01-01 00:00:00.250,1\n"+
		"2024-01-01 00:00:00.750123,2\n"+
		"2024-01-01T00:00:00.5Z,3\n")
	if _, err := db.ReplaceFromCSV(ctx, "sensor_a", path); err != nil {
		t.Fatalf("ReplaceFromCSV() failed: %v", err)
	}

	want := map[int]string{
		1: "2024-01-01 00:00:00.250",
		2: "2024-01-01 00:00:00.750123",
		3: "2024-01-01 00:00:00.500",
	}
	for seq, ts := range want {
		var got string
		if err := db.conn.QueryRow(`SELECT CAST(ts AS TEXT) FROM sensor_a WHERE seq = ?`, seq).Scan(&got); err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if got != ts {
			t.Errorf("seq %d ts = %q, want %q", seq, got, ts)
		}
	}

	row, found, err := db.LastRow(ctx, "sensor_a", "ts", "")
	if err != nil || !found {
		t.Fatalf("LastRow() = found %v, err %v", found, err)
	}
	position, ok, err := cursor.Canonical(row.Timestamp)
	if err != nil || !ok {
		t.Fatalf("Canonical() = %v, %v", ok, err)
	}
	if position != "2024-01-01 00:00:00" {
		t.Errorf("position = %q, want %q", position, "2024-01-01 00:00:00")
	}
	if want := time.Date(2024, 1, 1, 0, 0, 0, 750123000, time.UTC).UnixMicro(); row.Timestamp != (cursor.Timestamp{V: want, Unit: cursor.Microsecond}) {
		t.Errorf("Timestamp = %#v, want the .750123 row", row.Timestamp)
	}
}

func TestColumnKind_Numbers(t *testing.T) {
	tests := []struct {
		name  string
		cells []string
		want  string
	}{
		{"integers", []string{"1", "-2", "+3"}, TypeInteger},
		{"reals", []string{"1", "2.5", "1e3"}, TypeReal},
		{"not a number", []string{"1.5", "NaN"}, TypeText},
		{"infinity", []string{"Inf", "-infinity"}, TypeText},
		{"hex float", []string{"0x1p-2"}, TypeText},
		{"wider than int64", []string{"1", "99999999999999999999"}, TypeText},
		{"overflowing exponent", []string{"1e999"}, TypeText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := newColumnKind()
			for _, cell := range tt.cells {
				k.observe(cell)
			}
			if got := k.result(); got != tt.want {
				t.Errorf("result() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReplaceFromCSV_ReplacesExisting(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	mustExec(t, db, `CREATE TABLE sensor_a (old_column TEXT)`)
	mustExec(t, db, `INSERT INTO sensor_a VALUES ('x'), ('y')`)

	path := writeCSV(t, "ts,seq\n2024-01-01 00:00:00,1\n")
	if _, err := db.ReplaceFromCSV(ctx, "sensor_a", path); err != nil {
		t.Fatalf("ReplaceFromCSV() failed: %v", err)
	}

	count, err := db.RowCount(ctx, "sensor_a")
	if err != nil {
		t.Fatalf("RowCount() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("RowCount() = %d, want 1", count)
	}

	types, _, _ := columnTypes(ctx, db.conn, "sensor_a")
	if _, ok := types["old_column"]; ok {
		t.Error("old schema survived the replace")
	}
}

func TestReplaceFromCSV_ZeroRowsDropsTable(t *testing.T) {
	ctx := context.Background()

	for name, content := range map[string]string{
		"header only": "ts,seq\n",
		"empty file":  "",
	} {
		t.Run(name, func(t *testing.T) {
			db := openTestDB(t)
			mustExec(t, db, `CREATE TABLE sensor_a (ts TEXT, seq INTEGER)`)

			loaded, err := db.ReplaceFromCSV(ctx, "sensor_a", writeCSV(t, content))
			if err != nil {
				t.Fatalf("ReplaceFromCSV() failed: %v", err)
			}
			if loaded != 0 {
				t.Errorf("loaded = %d, want 0", loaded)
			}

			tables, err := db.Tables(ctx)
			if err != nil {
				t.Fatalf("Tables() failed: %v", err)
			}
			if len(tables) != 0 {
				t.Errorf("Tables() = %v, want none", tables)
			}
		})
	}
}

func TestReplaceFromCSV_InvalidTable(t *testing.T) {
	db := openTestDB(t)
	_, err := db.ReplaceFromCSV(context.Background(), "bad name", writeCSV(t, "a\n1\n"))
	if !errors.Is(err, ErrStore) {
		t.Errorf("error = %v, want ErrStore", err)
	}
}

func TestAppendCSV_MatchesHeaderNames(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if _, err := db.ReplaceFromCSV(ctx, "sensor_a", writeCSV(t, "ts,seq,label\n2024-01-01 00:00:00,1,a\n")); err != nil {
		t.Fatalf("ReplaceFromCSV() failed: %v", err)
	}

	appended, err := db.AppendCSV(ctx, "sensor_a", writeCSV(t, "SEQ,ts\n2,2024-01-02T00:00:00Z\n3,2024-01-03 00:00:00\n"))
	if err != nil {
		t.Fatalf("AppendCSV() failed: %v", err)
	}
	if appended != 2 {
		t.Errorf("appended = %d, want 2", appended)
	}

	row, found, err := db.LastRow(ctx, "sensor_a", "ts", "seq")
	if err != nil || !found {
		t.Fatalf("LastRow() = found %v, err %v", found, err)
	}
	if want := (cursor.Timestamp{V: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC).UnixMicro(), Unit: cursor.Microsecond}); row.Timestamp != want {
		t.Errorf("last ts = %#v", row.Timestamp)
	}
	seq, err := cursor.Unsigned(row.Secondary)
	if err != nil || seq != 3 {
		t.Errorf("last seq = %d (%v), want 3", seq, err)
	}

	var nulls int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM sensor_a WHERE label IS NULL`).Scan(&nulls); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if nulls != 2 {
		t.Errorf("NULL labels = %d, want 2", nulls)
	}
}

func TestAppendCSV_UnknownColumn(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mustExec(t, db, `CREATE TABLE sensor_a (ts TEXT, seq INTEGER)`)

	_, err := db.AppendCSV(ctx, "sensor_a", writeCSV(t, "ts,seq,extra\n2024-01-01 00:00:00,1,x\n"))
	if !errors.Is(err, ErrStore) {
		t.Fatalf("error = %v, want ErrStore", err)
	}

	count, _ := db.RowCount(ctx, "sensor_a")
	if count != 0 {
		t.Errorf("RowCount() = %d after failed append, want 0", count)
	}
}

func TestAppendCSV_ZeroRowsLeavesTable(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mustExec(t, db, `CREATE TABLE sensor_a (ts TEXT, seq INTEGER)`)
	mustExec(t, db, `INSERT INTO sensor_a VALUES ('2024-01-01 00:00:00', 42)`)

	for _, content := range []string{"", "ts,seq\n"} {
		appended, err := db.AppendCSV(ctx, "sensor_a", writeCSV(t, content))
		if err != nil {
			t.Fatalf("AppendCSV(%q) failed: %v", content, err)
		}
		if appended != 0 {
			t.Errorf("AppendCSV(%q) appended %d, want 0", content, appended)
		}
	}

	count, _ := db.RowCount(ctx, "sensor_a")
	if count != 1 {
		t.Errorf("RowCount() = %d, want 1", count)
	}
}

func TestAppendCSV_UnitColumn(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mustExec(t, db, `CREATE TABLE events (ts TIMESTAMP_MS, seq INTEGER)`)

	if _, err := db.AppendCSV(ctx, "events", writeCSV(t, "ts,seq\n2024-01-01 00:00:01,1\n1704067202000,2\n")); err != nil {
		t.Fatalf("AppendCSV() failed: %v", err)
	}

	rows, err := db.conn.Query(`SELECT CAST(ts AS INTEGER) FROM events ORDER BY seq`)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	defer rows.Close()

	var got []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		got = append(got, v)
	}
	want := []int64{1704067201000, 1704067202000}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("ts = %v, want %v", got, want)
	}
}

func TestLastRow_OrdersByTimestampThenSecondary(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mustExec(t, db, `CREATE TABLE sensor_a (ts TIMESTAMP, seq INTEGER)`)
	// insertion order deliberately differs from recency
	mustExec(t, db, `INSERT INTO sensor_a VALUES
		('2024-01-01 00:00:00', 42),
		('2023-12-31 23:59:59', 99),
		('2024-01-01 00:00:00', 7)`)

	row, found, err := db.LastRow(ctx, "sensor_a", "ts", "seq")
	if err != nil {
		t.Fatalf("LastRow() failed: %v", err)
	}
	if !found {
		t.Fatal("LastRow() found no row")
	}

	res, err := cursor.Resolve(ctx, db, cursor.Target{Table: "sensor_a", TimestampColumn: "ts", SecondaryIndex: "seq"})
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.State != cursor.Resumable {
		t.Fatalf("State = %v, want resumable", res.State)
	}
	if res.Cursor.Position != "2024-01-01 00:00:00" {
		t.Errorf("Position = %q", res.Cursor.Position)
	}
	if res.Cursor.SecondaryOrZero() != 42 {
		t.Errorf("Secondary = %d, want 42", res.Cursor.SecondaryOrZero())
	}
	if want := (cursor.Timestamp{V: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro(), Unit: cursor.Microsecond}); row.Timestamp != want {
		t.Errorf("Timestamp = %#v", row.Timestamp)
	}
}

func TestLastRow_EmptyTable(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db, `CREATE TABLE sensor_a (ts TEXT)`)

	_, found, err := db.LastRow(context.Background(), "sensor_a", "ts", "")
	if err != nil {
		t.Fatalf("LastRow() failed: %v", err)
	}
	if found {
		t.Error("LastRow() found a row in an empty table")
	}
}

func TestLastRow_DecodesDeclaredTypes(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		decl string
		val  any
		want cursor.Value
	}{
		{"seconds", "TIMESTAMP_S", int64(1704067200), cursor.Timestamp{V: 1704067200, Unit: cursor.Second}},
		{"millis", "TIMESTAMP_MS", int64(1704067200000), cursor.Timestamp{V: 1704067200000, Unit: cursor.Millisecond}},
		{"nanos", "TIMESTAMP_NS", int64(1704067200000000000), cursor.Timestamp{V: 1704067200000000000, Unit: cursor.Nanosecond}},
		{"time", "TIME_US", int64(3600000000), cursor.Time{V: 3600000000, Unit: cursor.Microsecond}},
		{"date", "DATE", int64(19723), cursor.Date{Days: 19723}},
		{"boolean", "BOOLEAN", int64(1), cursor.Boolean(true)},
		{"real", "REAL", 1.25, cursor.Float{V: 1.25, Bits: 64}},
		{"blob", "BLOB", []byte("abc"), cursor.Blob("abc")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openTestDB(t)
			mustExec(t, db, `CREATE TABLE t (ts `+tt.decl+`)`)
			mustExec(t, db, `INSERT INTO t VALUES (?)`, tt.val)

			row, found, err := db.LastRow(ctx, "t", "ts", "")
			if err != nil || !found {
				t.Fatalf("LastRow() = found %v, err %v", found, err)
			}

			got, gotOK, err := cursor.Canonical(row.Timestamp)
			want, wantOK, werr := cursor.Canonical(tt.want)
			if err != nil || werr != nil || got != want || gotOK != wantOK {
				t.Errorf("decoded %#v, want %#v", row.Timestamp, tt.want)
			}
		})
	}
}

func TestLastRow_Decimal(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db, `CREATE TABLE t (ts DECIMAL(18,3))`)
	mustExec(t, db, `INSERT INTO t VALUES (CAST('12.500' AS TEXT))`)

	row, found, err := db.LastRow(context.Background(), "t", "ts", "")
	if err != nil || !found {
		t.Fatalf("LastRow() = found %v, err %v", found, err)
	}
	s, ok, err := cursor.Canonical(row.Timestamp)
	if err != nil || !ok {
		t.Fatalf("Canonical() = %v, %v", ok, err)
	}
	if s != "12.5" && s != "12.500" {
		t.Errorf("Canonical() = %q", s)
	}
}

func TestLastRow_InvalidIdentifier(t *testing.T) {
	db := openTestDB(t)
	_, _, err := db.LastRow(context.Background(), "sensor_a", "ts desc; --", "")
	if !errors.Is(err, ErrStore) {
		t.Errorf("error = %v, want ErrStore", err)
	}
}

func TestDeleteOlderThan_Text(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mustExec(t, db, `CREATE TABLE sensor_a (ts TIMESTAMP, seq INTEGER)`)

	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	const days = 30
	window := days * 24 * time.Hour
	for i, at := range []time.Time{now.Add(-window - 24*time.Hour), now.Add(-window), now} {
		mustExec(t, db, `INSERT INTO sensor_a VALUES (?, ?)`, at.Format(cursor.Layout), i)
	}

	deleted, err := db.DeleteOlderThan(ctx, "sensor_a", "ts", now.Add(-window))
	if err != nil {
		t.Fatalf("DeleteOlderThan() failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	var remaining int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM sensor_a WHERE seq IN (1, 2)`).Scan(&remaining); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if remaining != 2 {
		t.Errorf("remaining in-window rows = %d, want 2", remaining)
	}
}

func TestDeleteOlderThan_UnitColumn(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mustExec(t, db, `CREATE TABLE events (ts TIMESTAMP_MS)`)

	cutoff := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	mustExec(t, db, `INSERT INTO events VALUES (?), (?), (?)`,
		cutoff.Add(-time.Millisecond).UnixMilli(), cutoff.UnixMilli(), cutoff.Add(time.Hour).UnixMilli())

	deleted, err := db.DeleteOlderThan(ctx, "events", "ts", cutoff)
	if err != nil {
		t.Fatalf("DeleteOlderThan() failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
}

func TestDeleteOlderThan_IndexColumnKeepsRows(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if _, err := db.ReplaceFromCSV(ctx, "sensor_a", writeCSV(t, "idx,v\n1,a\n2,b\n3,c\n")); err != nil {
		t.Fatalf("ReplaceFromCSV() failed: %v", err)
	}

	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	deleted, err := db.DeleteOlderThan(ctx, "sensor_a", "idx", now.Add(-30*24*time.Hour))
	if !errors.Is(err, ErrUntimedColumn) {
		t.Fatalf("DeleteOlderThan() error = %v, want ErrUntimedColumn", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0", deleted)
	}

	count, err := db.RowCount(ctx, "sensor_a")
	if err != nil {
		t.Fatalf("RowCount() failed: %v", err)
	}
	if count != 3 {
		t.Errorf("RowCount() = %d, want 3", count)
	}
}

func TestDeleteOlderThan_MissingColumn(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db, `CREATE TABLE sensor_a (ts TEXT)`)

	_, err := db.DeleteOlderThan(context.Background(), "sensor_a", "created_at", time.Now())
	if !errors.Is(err, ErrStore) {
		t.Errorf("error = %v, want ErrStore", err)
	}
}

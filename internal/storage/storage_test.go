package storage

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestMigrateFresh(t *testing.T) {
	db := setupTestDB(t)

	if err := NewMigrationRunner(db).Migrate(); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	for _, table := range []string{
		"availability", "requests", "queue_entries", "sessions", "settlements",
		"wallets", "ledger_entries", "refresh_tokens", "audit_log", "schema_migrations",
	} {
		if !tableExists(t, db, table) {
			t.Errorf("%s table not created", table)
		}
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := setupTestDB(t)
	runner := NewMigrationRunner(db)

	if err := runner.Migrate(); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	if err := runner.Migrate(); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	migrations, err := LoadMigrations()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("failed to query migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d migration records, got %d", len(migrations), count)
	}
}

func TestMigrateChecksumMismatch(t *testing.T) {
	db := setupTestDB(t)
	runner := NewMigrationRunner(db)

	if err := runner.Migrate(); err != nil {
		t.Fatalf("initial migration failed: %v", err)
	}
	if _, err := db.Exec("UPDATE schema_migrations SET checksum = 'invalid' WHERE version = '001'"); err != nil {
		t.Fatalf("failed to corrupt checksum: %v", err)
	}

	if err := runner.Migrate(); err == nil {
		t.Error("expected checksum mismatch error, got nil")
	}
}

func TestSettlementPrimaryKeyRejectsDuplicates(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	insert := `INSERT INTO settlements (session_id, requester_id, provider_id, kind, duration_ms, total_cost, settled_at)
		VALUES ('s-1', 'u-1', 'p-1', 'chat', 1000, 10, ?)
		ON CONFLICT(session_id) DO NOTHING`

	first, err := db.Exec(insert, FormatTime(time.Now()))
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	second, err := db.Exec(insert, FormatTime(time.Now()))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}

	n1, _ := first.RowsAffected()
	n2, _ := second.RowsAffected()
	if n1 != 1 || n2 != 0 {
		t.Fatalf("expected exactly one settlement row, got affected %d then %d", n1, n2)
	}
}

func TestParseTimeLayouts(t *testing.T) {
	want := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	for _, raw := range []string{
		want.Format(time.RFC3339Nano),
		"2026-03-04 05:06:07",
	} {
		got, err := ParseTime(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if !got.Equal(want) {
			t.Fatalf("parse %q: got %s want %s", raw, got, want)
		}
	}

	if _, err := ParseTime("yesterday"); err == nil {
		t.Fatal("expected error for unsupported layout")
	}
}

func TestFormatTimeSortsAsText(t *testing.T) {
	base := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	earlier, later := FormatTime(base), FormatTime(base.Add(500*time.Millisecond))
	if !(earlier < later) {
		t.Fatalf("expected %q < %q", earlier, later)
	}
	got, err := ParseTime(later)
	if err != nil {
		t.Fatalf("parse %q: %v", later, err)
	}
	if !got.Equal(base.Add(500 * time.Millisecond)) {
		t.Fatalf("round trip lost precision: %s", got)
	}
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

func tableExists(t *testing.T, db *sql.DB, tableName string) bool {
	t.Helper()

	var exists int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&exists)
	if err != nil {
		t.Fatalf("failed to check table existence: %v", err)
	}
	return exists > 0
}

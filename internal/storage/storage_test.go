package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/pickup-presence/internal/events"
)

func TestMemoryAuditLogDeduplicates(t *testing.T) {
	log := NewMemoryAuditLog()
	ev := events.Event{ID: "e1", Kind: events.KindClaimed, PassengerID: "P1", DriverID: "D1", OccurredAt: time.Now()}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := log.Append(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(log.Events()); got != 1 {
		t.Fatalf("expected 1 event, got %d", got)
	}
}

func TestMigrationFilesSorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.sql", "001_a.sql", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	files, err := migrationFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "001_a.sql" || filepath.Base(files[1]) != "002_b.sql" {
		t.Fatalf("unexpected migration order: %v", files)
	}
}

func TestMigrationFilesEmptyDir(t *testing.T) {
	if _, err := migrationFiles(t.TempDir()); err == nil {
		t.Fatal("expected error for empty migration dir")
	}
}

func TestPostgresAuditLog(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	log, err := NewPostgresAuditLog(dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()
	ctx := context.Background()
	if _, err := Migrate(ctx, log.DB(), "../../migrations"); err != nil {
		t.Fatal(err)
	}
	if _, err := log.DB().ExecContext(ctx, "TRUNCATE presence_events"); err != nil {
		t.Fatal(err)
	}

	ev := events.Event{ID: "e1", Kind: events.KindExpired, PassengerID: "P1", OccurredAt: time.Now().UTC()}
	for i := 0; i < 2; i++ {
		if err := log.Append(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	var n int
	row := log.DB().QueryRowContext(ctx, "SELECT count(*) FROM presence_events WHERE passenger_id = $1", "P1")
	if err := row.Scan(&n); err != nil && err != sql.ErrNoRows {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

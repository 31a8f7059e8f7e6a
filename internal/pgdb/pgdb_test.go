package pgdb_test

import (
	"context"
	"io/fs"
	"os"
	"strings"
	"testing"

	"github.com/MrWong99/voxtalk/internal/pgdb"
)

func TestMigrations_GooseAnnotated(t *testing.T) {
	t.Parallel()

	names, err := fs.Glob(pgdb.Migrations(), "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(names) < 2 {
		t.Fatalf("got %d migrations, want at least 2", len(names))
	}
	for _, name := range names {
		data, err := fs.ReadFile(pgdb.Migrations(), name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !strings.Contains(string(data), "-- +goose Up") || !strings.Contains(string(data), "-- +goose Down") {
			t.Errorf("%s lacks goose Up/Down annotations", name)
		}
	}
}

// TestOpen runs against a real database when VOXTALK_TEST_POSTGRES_DSN is set.
func TestOpen(t *testing.T) {
	dsn := os.Getenv("VOXTALK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXTALK_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgdb.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	// Migrating twice is a no-op.
	if err := pgdb.Migrate(ctx, pool); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	var n int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM session_messages`).Scan(&n); err != nil {
		t.Fatalf("query migrated table: %v", err)
	}
}

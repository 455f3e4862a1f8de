package store

import (
	"context"
	"fmt"
	"os"
	"testing"
)

// testStore is the shared Postgres connection; nil unless TEST_DATABASE_URL is set.
var testStore *PostgresStore

// TestMain connects to Postgres when configured, runs all store tests, tears down.
// SQLite and Redis (miniredis) tests need no external services.
func TestMain(m *testing.M) {
	ctx := context.Background()

	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		ps, err := NewPostgresStore(ctx, url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect to test database: %v\n", err)
			os.Exit(1)
		}
		if err := ps.Migrate(ctx, os.DirFS("../../migrations")); err != nil {
			fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
			ps.Close()
			os.Exit(1)
		}
		testStore = ps
	}

	code := m.Run()
	// Couldn't defer close bc Exit(), close here
	if testStore != nil {
		testStore.Close()
	}
	os.Exit(code)
}

// requirePostgres skips the calling test when no Postgres is configured.
func requirePostgres(t *testing.T) *PostgresStore {
	t.Helper()
	if testStore == nil {
		t.Skip("TEST_DATABASE_URL not set")
	}
	return testStore
}

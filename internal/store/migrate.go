package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Migrate applies pending Postgres migrations from migrationsFS (goose *.sql
// files at its root). Runs over a database/sql view of the store's pool.
func (s *PostgresStore) Migrate(ctx context.Context, migrationsFS fs.FS) error {
	db := stdlib.OpenDBFromPool(s.pool)
	// Releases borrowed connections back to the pool; the pool stays open.
	defer db.Close()
	return runMigrations(ctx, db, goose.DialectPostgres, migrationsFS)
}

// runMigrations applies every pending goose migration in fsys, in version
// order. Each file runs in its own transaction unless it opts out, so a failing
// file leaves no version row behind.
func runMigrations(ctx context.Context, db *sql.DB, dialect goose.Dialect, fsys fs.FS) error {
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	for _, r := range results {
		slog.InfoContext(ctx, "migration applied",
			"dialect", string(dialect), "version", r.Source.Version, "file", path.Base(r.Source.Path))
	}
	current, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	slog.InfoContext(ctx, "schema up to date", "dialect", string(dialect), "applied", len(results), "version", current)
	return nil
}

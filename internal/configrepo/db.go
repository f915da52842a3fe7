// Package configrepo is the Postgres-backed adapter for
// trade.ConfigRepository: the one external collaborator the core engine
// (C1-C7) talks to only through that interface, never directly.
package configrepo

import (
	"context"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// DB wraps a pgx connection pool the way the ancestor codebase's
// database.DB did, keeping a single Pool field other packages reach
// through.
type DB struct {
	Pool *pgxpool.Pool
}

// NewConnection opens the pool and runs migrations to the latest
// version before returning, so callers never see a schema that's
// behind the code.
func NewConnection(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("configrepo: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("configrepo: ping: %w", err)
	}

	if err := runMigrations(databaseURL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("configrepo: migrate: %w", err)
	}

	return &DB{Pool: pool}, nil
}

func runMigrations(databaseURL string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (db *DB) Close() {
	db.Pool.Close()
}

// Health reports whether the pool can still reach Postgres.
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

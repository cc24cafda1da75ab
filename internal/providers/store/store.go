// Package store persists explorer state in a local sqlite database.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure-Go driver registered as "sqlite"

	"github.com/otterscale/kube-explorer/internal/config"
)

// migration is one step of the schema. Versions are applied in order
// and recorded in schema_migrations.
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS watches (
    id          TEXT PRIMARY KEY,
    created_at  INTEGER NOT NULL,
    body        TEXT NOT NULL
);`,
	},
	{
		version: 2,
		sql:     `CREATE INDEX IF NOT EXISTS idx_watches_created_at ON watches(created_at ASC, id ASC);`,
	},
}

// DB is the explorer's sqlite database.
type DB struct {
	db  *sqlx.DB
	log *slog.Logger
}

// New opens the database at the configured path and brings its schema
// up to date. The returned cleanup closes it.
func New(conf *config.Config) (*DB, func(), error) {
	db, err := Open(context.Background(), conf.StorePath())
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			db.log.Warn("failed to close database", "error", err)
		}
	}
	return db, cleanup, nil
}

// Open opens (creating if needed) the sqlite file at path and applies
// pending migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA busy_timeout=5000`} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set %s: %w", pragma, err)
		}
	}

	s := &DB{db: db, log: slog.Default().With("component", "store")}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *DB) Close() error {
	return s.db.Close()
}

// Version returns the highest applied schema version.
func (s *DB) Version(ctx context.Context) (int, error) {
	var version int
	err := s.db.GetContext(ctx, &version, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	return version, err
}

func (s *DB) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := s.Version(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES(?)`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		s.log.Info("applied migration", "version", m.version)
	}
	return nil
}

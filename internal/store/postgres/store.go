// Package postgres persists stagehand state in PostgreSQL: staging history
// for [staging.Store] and the approval journal for [approval.Journal].
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for every table this package uses. Execute it via
// [Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS stagings (
    id           TEXT PRIMARY KEY,
    world_id     TEXT NOT NULL,
    region_id    TEXT NOT NULL,
    npcs         JSONB NOT NULL DEFAULT '[]',
    approved_at  TIMESTAMPTZ NOT NULL,
    game_time    TIMESTAMPTZ NOT NULL,
    ttl_hours    INTEGER NOT NULL,
    source       TEXT NOT NULL,
    approved_by  TEXT NOT NULL DEFAULT '',
    is_active    BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_stagings_active
    ON stagings(world_id, region_id) WHERE is_active;
CREATE INDEX IF NOT EXISTS idx_stagings_region
    ON stagings(world_id, region_id, approved_at DESC);

CREATE TABLE IF NOT EXISTS approval_journal (
    queue        TEXT NOT NULL,
    request_id   TEXT NOT NULL,
    world_id     TEXT NOT NULL DEFAULT '',
    region_id    TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    attempt      INTEGER NOT NULL DEFAULT 1,
    guidance     TEXT NOT NULL DEFAULT '',
    urgency      SMALLINT NOT NULL DEFAULT 0,
    failed       BOOLEAN NOT NULL DEFAULT FALSE,
    payload      JSONB NOT NULL,
    decision     TEXT,
    outcome      TEXT,
    resolved_by  TEXT,
    resolved_at  TIMESTAMPTZ,
    PRIMARY KEY (queue, request_id)
);
CREATE INDEX IF NOT EXISTS idx_approval_journal_open
    ON approval_journal(queue, created_at) WHERE resolved_at IS NULL;
`

// DB is the database interface used by this package. *pgxpool.Pool
// satisfies it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

var _ DB = (*pgxpool.Pool)(nil)

// Migrate executes [Schema] against db.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Store owns a connection pool and hands out the staging store and the
// approval journal built on it.
type Store struct {
	pool     *pgxpool.Pool
	stagings *StagingStore
	journal  *Journal
}

// Open connects to dsn, verifies the connection and runs [Migrate].
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{
		pool:     pool,
		stagings: NewStagingStore(pool),
		journal:  NewJournal(pool),
	}, nil
}

// Stagings returns the staging history store.
func (s *Store) Stagings() *StagingStore { return s.stagings }

// Journal returns the approval journal.
func (s *Store) Journal() *Journal { return s.journal }

// Ping reports whether the database is reachable. It backs the readiness
// check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

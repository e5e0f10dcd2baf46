// Package storage is the Postgres persistence layer: runs, steps, jobs,
// external agent config and health, and the provenance trail. Writes that
// back idempotency guarantees use ON CONFLICT DO NOTHING inserts and
// conditional UPDATEs; callers learn whether their write landed from the
// returned created flag or sentinel error.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB holds the query pool plus an optional dedicated connection for
// LISTEN/NOTIFY. The pool may sit behind PgBouncer; the notify connection
// must reach Postgres directly, since poolers do not forward notifications.
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
}

// New connects the pool and, when notifyDSN is non-empty, the notify
// connection. The pool is pinged before returning so startup fails fast on a
// bad DSN.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	db := &DB{pool: pool, logger: logger}
	if notifyDSN != "" {
		db.notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}
	return db, nil
}

// Pool exposes the underlying pool for callers that need raw queries.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// Ping reports database connectivity; the health endpoint uses it.
func (db *DB) Ping(ctx context.Context) error { return db.pool.Ping(ctx) }

// Close releases the pool and the notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}

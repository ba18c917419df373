// Package storage provides the PostgreSQL storage layer for the router.
//
// It manages the shared pgxpool connection pool and the query methods for
// the three persisted surfaces: the read-only warehouse tables, the
// append-only audit_log, and the hash-keyed query_history.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgxpool.Pool shared across request workers.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error { return db.pool.Ping(ctx) }

// Close shuts down the connection pool.
func (db *DB) Close() { db.pool.Close() }

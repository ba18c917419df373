package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// HistoryRow is one row in query_history, the warm tier for generated SQL.
// Rows are keyed by the normalized-query hash.
type HistoryRow struct {
	QueryHash    string    `json:"query_hash"`
	QueryText    string    `json:"query_text"`
	GeneratedSQL string    `json:"generated_sql"`
	Explanation  string    `json:"explanation"`
	Confidence   float64   `json:"confidence"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
	UseCount     int       `json:"use_count"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// UpsertHistory records a successfully executed plan. A repeat of a known
// query bumps last_used_at, use_count and expires_at but never overwrites
// the stored SQL.
func (db *DB) UpsertHistory(ctx context.Context, row HistoryRow, retention time.Duration) error {
	now := time.Now().UTC()
	_, err := db.pool.Exec(ctx,
		`INSERT INTO query_history (
		     query_hash, query_text, generated_sql, explanation, confidence,
		     created_at, last_used_at, use_count, expires_at
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $6, 1, $7)
		 ON CONFLICT (query_hash) DO UPDATE SET
		     last_used_at = EXCLUDED.last_used_at,
		     use_count    = query_history.use_count + 1,
		     expires_at   = EXCLUDED.expires_at`,
		row.QueryHash, row.QueryText, row.GeneratedSQL, row.Explanation,
		row.Confidence, now, now.Add(retention),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert history: %w", err)
	}
	return nil
}

// LookupHistory returns the unexpired history row for queryHash, or
// (nil, nil) when none exists.
func (db *DB) LookupHistory(ctx context.Context, queryHash string) (*HistoryRow, error) {
	var row HistoryRow
	err := db.pool.QueryRow(ctx,
		`SELECT query_hash, query_text, generated_sql, explanation, confidence,
		        created_at, last_used_at, use_count, expires_at
		 FROM query_history
		 WHERE query_hash = $1 AND expires_at > now()`,
		queryHash,
	).Scan(
		&row.QueryHash, &row.QueryText, &row.GeneratedSQL, &row.Explanation,
		&row.Confidence, &row.CreatedAt, &row.LastUsedAt, &row.UseCount,
		&row.ExpiresAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: lookup history: %w", err)
	}
	return &row, nil
}

// CleanupHistory deletes expired rows and returns how many were removed.
func (db *DB) CleanupHistory(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM query_history WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup history: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HistoryStats summarizes the warm tier for the stats endpoint.
type HistoryStats struct {
	Rows         int64 `json:"rows"`
	TotalUses    int64 `json:"total_uses"`
	ExpiredRows  int64 `json:"expired_rows"`
}

// GetHistoryStats counts live and expired rows.
func (db *DB) GetHistoryStats(ctx context.Context) (HistoryStats, error) {
	var s HistoryStats
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE expires_at > now()),
		        coalesce(sum(use_count) FILTER (WHERE expires_at > now()), 0),
		        count(*) FILTER (WHERE expires_at <= now())
		 FROM query_history`,
	).Scan(&s.Rows, &s.TotalUses, &s.ExpiredRows)
	if err != nil {
		return HistoryStats{}, fmt.Errorf("storage: history stats: %w", err)
	}
	return s, nil
}

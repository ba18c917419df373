package storage

import (
	"context"
	"fmt"
	"time"
)

// AuditRecord is one append-only row in audit_log. The table permits no
// updates or deletes.
type AuditRecord struct {
	ID            int64     `json:"id"`
	TS            time.Time `json:"ts"`
	CorrelationID string    `json:"correlation_id"`
	UserID        *string   `json:"user_id,omitempty"`
	Tool          string    `json:"tool"`
	Action        string    `json:"action"`
	InputHash     string    `json:"input_hash"`
	OutputHash    string    `json:"output_hash"`
	Success       bool      `json:"success"`
	DurationMS    int64     `json:"duration_ms"`
	TokensInput   int       `json:"tokens_input"`
	TokensOutput  int       `json:"tokens_output"`
	CostUSD       float64   `json:"cost_usd"`
}

// InsertAuditRecord appends one audit row. Timestamps are written in UTC.
func (db *DB) InsertAuditRecord(ctx context.Context, r AuditRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO audit_log (
		     ts, correlation_id, user_id, tool, action,
		     input_hash, output_hash, success, duration_ms,
		     tokens_input, tokens_output, cost_usd
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.TS.UTC(), r.CorrelationID, r.UserID, r.Tool, r.Action,
		r.InputHash, r.OutputHash, r.Success, r.DurationMS,
		r.TokensInput, r.TokensOutput, r.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit record: %w", err)
	}
	return nil
}

// ListAuditRecords returns recent audit rows, newest first, optionally
// filtered by correlation id.
func (db *DB) ListAuditRecords(ctx context.Context, correlationID string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT id, ts, correlation_id, user_id, tool, action,
	             input_hash, output_hash, success, duration_ms,
	             tokens_input, tokens_output, cost_usd
	      FROM audit_log`
	args := []any{}
	if correlationID != "" {
		q += ` WHERE correlation_id = $1 ORDER BY ts DESC LIMIT $2`
		args = append(args, correlationID, limit)
	} else {
		q += ` ORDER BY ts DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit records: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(
			&r.ID, &r.TS, &r.CorrelationID, &r.UserID, &r.Tool, &r.Action,
			&r.InputHash, &r.OutputHash, &r.Success, &r.DurationMS,
			&r.TokensInput, &r.TokensOutput, &r.CostUSD,
		); err != nil {
			return nil, fmt.Errorf("storage: scan audit record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

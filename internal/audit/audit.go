// Package audit writes the tamper-evident request trail.
//
// Each routed request yields exactly one audit row. Inputs and outputs are
// stored only as canonical-JSON SHA-256 hashes, never as raw payloads, so
// the trail proves what happened without retaining user data. Failed
// operations hash a fixed placeholder rather than the error message.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/arbiterhq/arbiter/internal/llm"
	"github.com/arbiterhq/arbiter/internal/storage"
)

// failurePlaceholder is hashed as the output of any failed operation.
var failurePlaceholder = map[string]any{"error": "Operation failed"}

// Sink is the subset of the storage layer the recorder needs.
type Sink interface {
	InsertAuditRecord(ctx context.Context, r storage.AuditRecord) error
}

// Recorder builds and persists audit entries. A nil *Recorder is a valid
// no-op, so callers need not branch on whether auditing is wired.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
}

// New creates a recorder writing to sink.
func New(sink Sink, logger *slog.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger}
}

// Entry is one in-flight audit record. Begin it when the operation starts,
// mark the outcome, then Flush exactly once.
type Entry struct {
	rec     *Recorder
	started time.Time

	record storage.AuditRecord
	output any
	done   bool
}

// Begin starts an entry. input is hashed immediately so later mutation of
// the request cannot change the recorded hash.
func (r *Recorder) Begin(correlationID, tool, action string, input any, userID string) *Entry {
	if r == nil {
		return nil
	}
	e := &Entry{
		rec:     r,
		started: time.Now(),
		record: storage.AuditRecord{
			TS:            time.Now().UTC(),
			CorrelationID: correlationID,
			Tool:          tool,
			Action:        action,
			InputHash:     HashData(input),
		},
	}
	if userID != "" {
		e.record.UserID = &userID
	}
	return e
}

// Succeed marks the entry successful and records the output and usage.
func (e *Entry) Succeed(output any, usage llm.Usage) {
	if e == nil {
		return
	}
	e.record.Success = true
	e.output = output
	e.record.TokensInput = usage.InputTokens
	e.record.TokensOutput = usage.OutputTokens
	e.record.CostUSD = usage.EstimatedCostUSD
}

// Fail marks the entry failed. The output hash covers a fixed placeholder,
// never the error text.
func (e *Entry) Fail() {
	if e == nil {
		return
	}
	e.record.Success = false
	e.output = failurePlaceholder
}

// Flush computes the final hashes and duration and writes the row. Write
// failures are logged and swallowed: a broken audit store must not turn a
// served request into an error.
func (e *Entry) Flush(ctx context.Context) {
	if e == nil || e.done {
		return
	}
	e.done = true

	e.record.DurationMS = time.Since(e.started).Milliseconds()
	e.record.OutputHash = HashData(e.output)

	if err := e.rec.sink.InsertAuditRecord(ctx, e.record); err != nil {
		e.rec.logger.Error("audit: write failed",
			"correlation_id", e.record.CorrelationID,
			"tool", e.record.Tool,
			"error", err,
		)
	}
}

// HashData returns the hex SHA-256 of the canonical JSON form of v. The
// canonical form round-trips through generic maps so key order is fixed and
// the same logical value always hashes identically.
func HashData(v any) string {
	canonical := canonicalJSON(v)
	h := sha256.Sum256(canonical)
	return hex.EncodeToString(h[:])
}

func canonicalJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(map[string]any{"unserializable": true})
		return raw
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return raw
	}
	return out
}

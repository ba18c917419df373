package audit

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/llm"
	"github.com/arbiterhq/arbiter/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type captureSink struct {
	rows []storage.AuditRecord
	err  error
}

func (s *captureSink) InsertAuditRecord(_ context.Context, r storage.AuditRecord) error {
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, r)
	return nil
}

func TestHashDataIsCanonical(t *testing.T) {
	// Two logically equal values hash identically regardless of the Go
	// representation they arrived in.
	type req struct {
		Query  string `json:"query"`
		UserID string `json:"user_id"`
	}
	asStruct := req{Query: "show revenue", UserID: "alice"}
	asMap := map[string]any{"user_id": "alice", "query": "show revenue"}

	assert.Equal(t, HashData(asStruct), HashData(asMap))
	assert.Len(t, HashData(asStruct), 64)
}

func TestHashDataDiffersOnContent(t *testing.T) {
	a := HashData(map[string]any{"query": "a"})
	b := HashData(map[string]any{"query": "b"})
	assert.NotEqual(t, a, b)
}

func TestHashDataUnserializable(t *testing.T) {
	// Channels cannot marshal; the hash covers a fixed marker instead of
	// panicking or returning empty.
	h := HashData(make(chan int))
	assert.Equal(t, HashData(map[string]any{"unserializable": true}), h)
}

func TestSuccessEntry(t *testing.T) {
	sink := &captureSink{}
	rec := New(sink, testLogger())

	e := rec.Begin("corr-1", "sql", "route", map[string]any{"query": "q"}, "alice")
	e.Succeed(map[string]any{"row_count": 2}, llm.Usage{
		InputTokens: 100, OutputTokens: 30, TotalTokens: 130, EstimatedCostUSD: 0.002,
	})
	e.Flush(context.Background())

	require.Len(t, sink.rows, 1)
	row := sink.rows[0]
	assert.Equal(t, "corr-1", row.CorrelationID)
	assert.Equal(t, "sql", row.Tool)
	assert.Equal(t, "route", row.Action)
	assert.True(t, row.Success)
	assert.Equal(t, 100, row.TokensInput)
	assert.Equal(t, 30, row.TokensOutput)
	assert.Equal(t, 0.002, row.CostUSD)
	assert.Equal(t, HashData(map[string]any{"query": "q"}), row.InputHash)
	assert.Equal(t, HashData(map[string]any{"row_count": 2}), row.OutputHash)
	assert.Equal(t, time.UTC, row.TS.Location())
	require.NotNil(t, row.UserID)
	assert.Equal(t, "alice", *row.UserID)
}

func TestFailureHashesPlaceholder(t *testing.T) {
	sink := &captureSink{}
	rec := New(sink, testLogger())

	e := rec.Begin("corr-2", "sql", "route", map[string]any{"query": "DROP TABLE x"}, "")
	e.Fail()
	e.Flush(context.Background())

	require.Len(t, sink.rows, 1)
	row := sink.rows[0]
	assert.False(t, row.Success)
	assert.Nil(t, row.UserID)
	// The error text is never hashed, only the fixed placeholder.
	assert.Equal(t, HashData(map[string]any{"error": "Operation failed"}), row.OutputHash)
}

func TestInputHashedAtBegin(t *testing.T) {
	sink := &captureSink{}
	rec := New(sink, testLogger())

	input := map[string]any{"query": "original"}
	e := rec.Begin("corr-3", "sql", "route", input, "")
	input["query"] = "mutated after begin"
	e.Succeed(nil, llm.Usage{})
	e.Flush(context.Background())

	require.Len(t, sink.rows, 1)
	assert.Equal(t, HashData(map[string]any{"query": "original"}), sink.rows[0].InputHash)
}

func TestFlushIsIdempotent(t *testing.T) {
	sink := &captureSink{}
	rec := New(sink, testLogger())

	e := rec.Begin("corr-4", "sql", "route", nil, "")
	e.Succeed(nil, llm.Usage{})
	e.Flush(context.Background())
	e.Flush(context.Background())
	e.Flush(context.Background())

	assert.Len(t, sink.rows, 1)
}

func TestWriteFailureIsSwallowed(t *testing.T) {
	sink := &captureSink{err: errors.New("connection refused")}
	rec := New(sink, testLogger())

	e := rec.Begin("corr-5", "sql", "route", nil, "")
	e.Succeed(nil, llm.Usage{})
	assert.NotPanics(t, func() { e.Flush(context.Background()) })
}

func TestNilRecorderIsNoOp(t *testing.T) {
	var rec *Recorder

	e := rec.Begin("corr-6", "sql", "route", nil, "alice")
	assert.Nil(t, e)
	assert.NotPanics(t, func() {
		e.Succeed(nil, llm.Usage{})
		e.Fail()
		e.Flush(context.Background())
	})
}

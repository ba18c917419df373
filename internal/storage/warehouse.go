package storage

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5/pgtype"
)

// QueryResult holds the rows returned by a warehouse SELECT in a
// JSON-friendly shape.
type QueryResult struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
}

// ExecuteSelect runs a sanitized read-only statement against the warehouse
// tables and collects the result set. Callers must validate the SQL first.
func (db *DB) ExecuteSelect(ctx context.Context, sql string) (*QueryResult, error) {
	rows, err := db.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("storage: execute select: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	result := &QueryResult{Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("storage: read row: %w", err)
		}
		rec := make(map[string]any, len(cols))
		for i, col := range cols {
			rec[col] = jsonValue(vals[i])
		}
		result.Rows = append(result.Rows, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate rows: %w", err)
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

// jsonValue converts pgx driver values that do not marshal cleanly, in
// particular NUMERIC columns which pgx returns as pgtype.Numeric.
func jsonValue(v any) any {
	switch n := v.(type) {
	case pgtype.Numeric:
		if !n.Valid {
			return nil
		}
		f, err := numericToFloat(n)
		if err != nil {
			return nil
		}
		return f
	default:
		return v
	}
}

func numericToFloat(n pgtype.Numeric) (float64, error) {
	if n.NaN {
		return 0, fmt.Errorf("storage: numeric is NaN")
	}
	f := new(big.Float).SetInt(n.Int)
	if n.Exp != 0 {
		scale := new(big.Float).SetFloat64(1)
		ten := big.NewFloat(10)
		exp := n.Exp
		if exp < 0 {
			exp = -exp
		}
		for i := int32(0); i < exp; i++ {
			scale.Mul(scale, ten)
		}
		if n.Exp < 0 {
			f.Quo(f, scale)
		} else {
			f.Mul(f, scale)
		}
	}
	out, _ := f.Float64()
	return out, nil
}

// Package sqlguard is the deterministic SQL safety validator.
//
// It has final authority over every statement that reaches the warehouse:
// planner output and raw user SQL pass through the same rules in the same
// order. The guard never trusts its input's origin.
package sqlguard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/arbiterhq/arbiter/internal/errs"
)

// DefaultAllowedTables is the warehouse allow-list.
var DefaultAllowedTables = []string{"sales_fact", "job_runs", "audit_log"}

// DefaultLimit is appended when a query carries no LIMIT clause.
const DefaultLimit = 200

var (
	selectRe  = regexp.MustCompile(`^SELECT\b`)
	blockedRe = regexp.MustCompile(`\b(INSERT|UPDATE|DELETE|CREATE|DROP|ALTER|TRUNCATE|GRANT|REVOKE|COPY)\b`)
	tableRe   = regexp.MustCompile(`\b(?:FROM|JOIN)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	limitRe   = regexp.MustCompile(`\bLIMIT\s+[1-9][0-9]*\b`)
)

// Guard applies the allow-list and syntactic safety rules.
type Guard struct {
	allowed      map[string]struct{}
	defaultLimit int
}

// New builds a Guard. Nil tables or a non-positive limit fall back to the
// defaults.
func New(tables []string, defaultLimit int) *Guard {
	if len(tables) == 0 {
		tables = DefaultAllowedTables
	}
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	allowed := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		allowed[strings.ToLower(t)] = struct{}{}
	}
	return &Guard{allowed: allowed, defaultLimit: defaultLimit}
}

// Sanitize validates query and returns the sanitized statement. The rules
// run in order; the first violation aborts with a validation error.
//
//  1. Must begin with SELECT.
//  2. No semicolons anywhere.
//  3. No blocked DDL/DML keywords (word-bounded).
//  4. Every table after FROM/JOIN must be allow-listed.
//  5. A LIMIT is appended when absent; an existing LIMIT is kept verbatim.
func (g *Guard) Sanitize(query string) (string, error) {
	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)

	if !selectRe.MatchString(upper) {
		return "", errs.New(errs.CategoryValidation, "only SELECT statements are allowed").
			WithDetail("rule", "select_only")
	}
	if strings.Contains(trimmed, ";") {
		return "", errs.New(errs.CategoryValidation, "semicolons are not allowed").
			WithDetail("rule", "no_semicolons")
	}
	if m := blockedRe.FindString(upper); m != "" {
		return "", errs.Newf(errs.CategoryValidation, "keyword %q is not allowed", m).
			WithDetail("rule", "blocked_keyword").
			WithDetail("keyword", m)
	}
	for _, match := range tableRe.FindAllStringSubmatch(upper, -1) {
		table := strings.ToLower(match[1])
		if _, ok := g.allowed[table]; !ok {
			return "", errs.Newf(errs.CategoryValidation, "table %q is not in the allow-list", table).
				WithDetail("rule", "table_allowlist").
				WithDetail("table", table)
		}
	}
	if !limitRe.MatchString(upper) {
		trimmed = fmt.Sprintf("%s LIMIT %d", trimmed, g.defaultLimit)
	}
	return trimmed, nil
}

// AllowedTables returns the allow-list in no particular order, for prompt
// construction and stats.
func (g *Guard) AllowedTables() []string {
	out := make([]string, 0, len(g.allowed))
	for t := range g.allowed {
		out = append(out, t)
	}
	return out
}

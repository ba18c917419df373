// Package qhash normalizes and hashes natural-language queries.
//
// The cache and the query-history table key on the same hash so a hot-cache
// entry and its warm-history row always refer to the same normalized query.
package qhash

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize lowercases and trims a query. Two queries differing only in case
// or surrounding whitespace normalize identically.
func Normalize(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// Sum returns the hex SHA-256 of the normalized query.
func Sum(query string) string {
	h := sha256.Sum256([]byte(Normalize(query)))
	return hex.EncodeToString(h[:])
}

// Package errs defines the structured error taxonomy shared by every
// component of the router.
//
// Every error is classified into a closed set of categories with a fixed
// severity and retryability default, and serializes to a stable seven-key
// shape so that HTTP responses, audit details, and logs all carry the same
// structure regardless of where the error originated.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies an error by the subsystem that produced it.
type Category string

const (
	CategoryPlanning       Category = "planning"
	CategoryValidation     Category = "validation"
	CategoryExecution      Category = "execution"
	CategoryTimeout        Category = "timeout"
	CategoryRateLimit      Category = "rate_limit"
	CategoryCircuitBreaker Category = "circuit_breaker"
	CategoryCache          Category = "cache"
	CategoryConfiguration  Category = "configuration"
	CategoryUnknown        Category = "unknown"
)

// Severity indicates how serious an error is for operators.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// kindDefaults fixes severity, retryability, and the serialized type name
// per category.
var kindDefaults = map[Category]struct {
	typeName  string
	severity  Severity
	retryable bool
}{
	CategoryPlanning:       {"PlannerError", SeverityError, true},
	CategoryValidation:     {"ValidationError", SeverityError, false},
	CategoryExecution:      {"ExecutionError", SeverityError, true},
	CategoryTimeout:        {"TimeoutError", SeverityWarning, true},
	CategoryRateLimit:      {"RateLimitError", SeverityWarning, true},
	CategoryCircuitBreaker: {"CircuitBreakerError", SeverityWarning, true},
	CategoryCache:          {"CacheError", SeverityInfo, true},
	CategoryConfiguration:  {"ConfigurationError", SeverityCritical, false},
	CategoryUnknown:        {"UnknownError", SeverityError, false},
}

// Error is a structured error value. It implements the error interface and
// carries classification metadata plus free-form details.
type Error struct {
	Type      string
	Message   string
	Category  Category
	Severity  Severity
	Retryable bool
	Details   map[string]any
	Timestamp time.Time
}

// New creates an Error of the given category with the category's default
// severity and retryability.
func New(cat Category, message string) *Error {
	d, ok := kindDefaults[cat]
	if !ok {
		cat = CategoryUnknown
		d = kindDefaults[CategoryUnknown]
	}
	return &Error{
		Type:      d.typeName,
		Message:   message,
		Category:  cat,
		Severity:  d.severity,
		Retryable: d.retryable,
		Details:   map[string]any{},
		Timestamp: time.Now().UTC(),
	}
}

// Newf creates an Error with a formatted message.
func Newf(cat Category, format string, args ...any) *Error {
	return New(cat, fmt.Sprintf(format, args...))
}

// WithDetails merges the given details into the error and returns it.
func (e *Error) WithDetails(details map[string]any) *Error {
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithDetail sets a single detail key and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Serialize renders the error to its stable wire shape. Every key is always
// present.
func (e *Error) Serialize() map[string]any {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	return map[string]any{
		"error_type": e.Type,
		"message":    e.Message,
		"category":   string(e.Category),
		"severity":   string(e.Severity),
		"retryable":  e.Retryable,
		"details":    details,
		"timestamp":  e.Timestamp.Format(time.RFC3339Nano),
	}
}

// From converts an arbitrary error into a structured Error. Errors that
// already carry taxonomy metadata pass through unchanged; anything else
// becomes an unknown-category error.
func From(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return New(CategoryUnknown, err.Error())
}

// CategoryOf reports the category of err, or CategoryUnknown for errors
// outside the taxonomy.
func CategoryOf(err error) Category {
	var se *Error
	if errors.As(err, &se) {
		return se.Category
	}
	return CategoryUnknown
}

// IsCategory reports whether err belongs to the given category.
func IsCategory(err error, cat Category) bool {
	return CategoryOf(err) == cat
}

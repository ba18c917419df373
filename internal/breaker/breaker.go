// Package breaker implements a sliding-window circuit breaker over the LLM
// provider.
//
// Failures are counted in a rolling time window; when the count reaches the
// threshold the breaker opens and rejects calls until the recovery timeout
// elapses, after which a single trial call decides between closing and
// reopening. All transitions are atomic with respect to concurrent
// observers.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker's position in its three-state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds breaker tuning parameters.
type Config struct {
	FailureThreshold int           // failures within the window before opening
	Window           time.Duration // sliding failure-counting window
	RecoveryTimeout  time.Duration // open → half-open delay
}

// DefaultConfig mirrors the production defaults: 5 failures in 60s, 30s
// recovery.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Stats is a point-in-time snapshot for monitoring.
type Stats struct {
	State        State      `json:"state"`
	FailureCount int        `json:"failure_count"`
	SuccessCount int        `json:"success_count"`
	LastFailure  *time.Time `json:"last_failure_time"`
	OpenedAt     *time.Time `json:"opened_at"`
}

// Breaker is a per-instance circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg Config

	mu           sync.Mutex
	state        State
	failures     []time.Time // monotonic queue of recent failure timestamps
	openedAt     time.Time
	failureCount int
	successCount int
	lastFailure  time.Time

	now func() time.Time // injected clock for tests
}

// New creates a closed Breaker. Zero-valued config fields fall back to the
// defaults.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	return &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// CanExecute reports whether a call may proceed. An open breaker lazily
// transitions to half-open once the recovery timeout has elapsed.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state != StateOpen
}

// RecordSuccess notes a successful call. In half-open state it closes the
// circuit and clears the failure queue; in closed state it only counts.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	b.successCount++
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.failures = nil
		b.openedAt = time.Time{}
	}
}

// RecordFailure notes a failed call. It may open the circuit: immediately in
// half-open state, or once the windowed failure count reaches the threshold
// in closed state.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	now := b.now()
	b.failureCount++
	b.lastFailure = now
	b.failures = append(b.failures, now)
	b.dropExpired(now)

	switch b.state {
	case StateHalfOpen:
		b.open(now)
	case StateClosed:
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.open(now)
		}
	}
}

// State returns the current state, applying the lazy open → half-open
// transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// Reset returns the breaker to its initial closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = nil
	b.openedAt = time.Time{}
	b.failureCount = 0
	b.successCount = 0
	b.lastFailure = time.Time{}
}

// GetStats returns a snapshot of the breaker's counters and state.
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	s := Stats{
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailure = &t
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		s.OpenedAt = &t
	}
	return s
}

// advance applies the time-driven open → half-open transition. Callers must
// hold the mutex.
func (b *Breaker) advance() {
	if b.state == StateOpen && !b.openedAt.IsZero() &&
		b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.state = StateHalfOpen
	}
}

func (b *Breaker) open(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
}

// dropExpired discards failures that fell out of the sliding window.
func (b *Breaker) dropExpired(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append([]time.Time(nil), b.failures[i:]...)
	}
}

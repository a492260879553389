// Package breaker implements a per-endpoint circuit breaker. An endpoint that
// keeps failing inside the rolling window trips open and is rejected without a
// network attempt until the reset timeout elapses, after which a single probe
// is allowed through.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"dispatch-sync-client/internal/logger"
	"dispatch-sync-client/internal/metrics"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	MaxFailures  int
	Window       time.Duration
	ResetTimeout time.Duration
}

type record struct {
	state         State
	failureCount  int
	windowStart   time.Time
	lastFailureAt time.Time
}

// Breaker tracks one record per endpoint key. Records are created lazily on
// first failure; a key with no record is closed.
type Breaker struct {
	cfg     Config
	mu      sync.Mutex
	records map[string]*record
	now     func() time.Time
}

func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		cfg:     cfg,
		records: make(map[string]*record),
		now:     time.Now,
	}
}

// IsOpen reports whether calls to endpoint should be rejected. Observing an
// open record past the reset timeout flips it to half-open, letting exactly
// one probe through.
func (b *Breaker) IsOpen(endpoint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[endpoint]
	if !ok || rec.state != StateOpen {
		return false
	}
	if b.now().Sub(rec.lastFailureAt) >= b.cfg.ResetTimeout {
		b.transition(endpoint, rec, StateHalfOpen)
		return false
	}
	return true
}

// RecordSuccess fully closes a half-open record and zeroes its failure count.
// Success on a closed record is a no-op.
func (b *Breaker) RecordSuccess(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[endpoint]
	if !ok {
		return
	}
	if rec.state == StateHalfOpen {
		b.transition(endpoint, rec, StateClosed)
		rec.failureCount = 0
		rec.windowStart = time.Time{}
	}
}

// RecordFailure counts a failure inside the rolling window. Reaching
// MaxFailures, or any failure while half-open, trips the record open.
func (b *Breaker) RecordFailure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	rec, ok := b.records[endpoint]
	if !ok {
		rec = &record{state: StateClosed}
		b.records[endpoint] = rec
	}

	if rec.state == StateHalfOpen {
		// No partial credit: the probe failed, back to open.
		rec.lastFailureAt = now
		b.transition(endpoint, rec, StateOpen)
		return
	}

	if rec.windowStart.IsZero() || now.Sub(rec.windowStart) > b.cfg.Window {
		rec.windowStart = now
		rec.failureCount = 0
	}
	rec.failureCount++
	rec.lastFailureAt = now

	if rec.failureCount >= b.cfg.MaxFailures && rec.state == StateClosed {
		b.transition(endpoint, rec, StateOpen)
	}
}

// State returns the current state for endpoint without side effects.
func (b *Breaker) State(endpoint string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[endpoint]
	if !ok {
		return StateClosed
	}
	return rec.state
}

type EndpointStatus struct {
	Endpoint      string    `json:"endpoint"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failureCount"`
	LastFailureAt time.Time `json:"lastFailureAt"`
}

// Snapshot returns the status of every known endpoint for the admin surface.
func (b *Breaker) Snapshot() []EndpointStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]EndpointStatus, 0, len(b.records))
	for endpoint, rec := range b.records {
		out = append(out, EndpointStatus{
			Endpoint:      endpoint,
			State:         rec.state.String(),
			FailureCount:  rec.failureCount,
			LastFailureAt: rec.lastFailureAt,
		})
	}
	return out
}

func (b *Breaker) transition(endpoint string, rec *record, to State) {
	if rec.state == to {
		return
	}
	logger.Log.Info("Circuit state change",
		zap.String("endpoint", endpoint),
		zap.String("from", rec.state.String()),
		zap.String("to", to.String()),
	)
	metrics.BreakerTransitions.WithLabelValues(to.String()).Inc()
	rec.state = to
}

// Package circuitbreaker guards a backing store with a closed → open →
// half-open circuit so a failing dependency sheds load instead of queueing
// work against it.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mbd888/typeguard/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: calls flow through
	StateOpen                  // Tripped: calls are rejected
	StateHalfOpen              // Probing: one call allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Do when the circuit is rejecting calls.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// Defaults applied by New to zero Config fields.
const (
	DefaultThreshold = 5
	DefaultCooldown  = 30 * time.Second
)

// Config configures a Breaker.
type Config struct {
	Name      string        // metric label and log key
	Threshold int           // consecutive failures that trip the circuit
	Cooldown  time.Duration // time spent open before a probe is allowed
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Trips       int64     `json:"trips"`
	LastFailure time.Time `json:"lastFailure,omitzero"`
}

// Breaker is a single circuit. It counts consecutive failures and trips
// open at the threshold. After the cooldown one probe call is let through;
// its outcome closes or reopens the circuit.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	trips       int64
	lastFailure time.Time
	probing     bool
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	metrics.BreakerState.WithLabelValues(cfg.Name).Set(float64(StateClosed))
	return b
}

// WithClock replaces the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Name returns the circuit name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// allow reports whether a call may proceed, moving an open circuit whose
// cooldown has elapsed to half-open.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.Cooldown {
			return false
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil {
		b.failures = 0
		b.transition(StateClosed)
		return
	}

	b.failures++
	b.lastFailure = b.now()
	if b.state == StateHalfOpen || b.failures >= b.cfg.Threshold {
		if b.state != StateOpen {
			b.trips++
		}
		b.transition(StateOpen)
	}
}

// transition changes state and updates metrics. Caller must hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	metrics.BreakerState.WithLabelValues(b.cfg.Name).Set(float64(to))
	metrics.BreakerTransitionsTotal.WithLabelValues(b.cfg.Name, from.String(), to.String()).Inc()
}

// Do runs fn if the circuit allows it and records the outcome. When the
// circuit is rejecting calls fn is not run and ErrOpen is returned. A
// cancelled ctx is not counted as a failure of the dependency.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		b.mu.Lock()
		b.probing = false
		b.mu.Unlock()
		return err
	}
	b.record(err)
	return err
}

// State returns the current state. An open circuit whose cooldown has
// elapsed still reports open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:        b.cfg.Name,
		State:       b.state.String(),
		Failures:    b.failures,
		Trips:       b.trips,
		LastFailure: b.lastFailure,
	}
}

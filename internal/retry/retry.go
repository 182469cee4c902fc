// Package retry runs store operations again after transient failures, with
// exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/mbd888/typeguard/internal/metrics"
)

// Policy describes how an operation is retried.
type Policy struct {
	Op        string // metric label
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration // zero means uncapped
}

// Policies used by the storage layer.
var (
	// SinkWrite retries raw event batch inserts.
	SinkWrite = Policy{Op: "sink_write", Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	// Connect retries the startup ping of a backing store that may still be
	// coming up.
	Connect = Policy{Op: "connect", Attempts: 5, BaseDelay: 250 * time.Millisecond, MaxDelay: 4 * time.Second}
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a permanent error, ctx is done, or
// the policy's attempts run out. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(jittered(p.delay(attempt)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if p.Op != "" {
			metrics.RetriesTotal.WithLabelValues(p.Op).Inc()
		}
	}
	return err
}

// delay is BaseDelay doubled per prior attempt, capped at MaxDelay.
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// jittered returns d spread by +-25%.
func jittered(d time.Duration) time.Duration {
	j := d / 4
	if j <= 0 {
		return d
	}
	return d - j + rand.N(2*j+1)
}

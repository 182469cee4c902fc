package health

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/typeguard/internal/circuitbreaker"
)

const pingTimeout = 2 * time.Second

// Pinger is anything that can report reachability, such as *sql.DB via
// PingContext or a Redis client wrapper.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

// PingChecker reports name healthy when p answers within two seconds.
func PingChecker(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := p.PingContext(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// ModelChecker reports healthy once trained returns true. profiles, when
// non-nil, adds the profile count to the detail.
func ModelChecker(name string, trained func() bool, profiles func(ctx context.Context) (int, error)) Checker {
	return func(ctx context.Context) Status {
		if !trained() {
			return Status{Name: name, Healthy: false, Detail: "global model not trained"}
		}
		if profiles == nil {
			return Status{Name: name, Healthy: true}
		}
		n, err := profiles(ctx)
		if err != nil {
			return Status{Name: name, Healthy: false, Detail: "profile store: " + err.Error()}
		}
		return Status{Name: name, Healthy: true, Detail: fmt.Sprintf("%d profiles", n)}
	}
}

// CircuitChecker reports unhealthy while the circuit returned by stats is
// open or probing.
func CircuitChecker(name string, stats func() circuitbreaker.Stats) Checker {
	return func(context.Context) Status {
		st := stats()
		if st.State == circuitbreaker.StateClosed.String() {
			return Status{Name: name, Healthy: true}
		}
		return Status{
			Name:    name,
			Healthy: false,
			Detail:  fmt.Sprintf("circuit %s after %d failures", st.State, st.Failures),
		}
	}
}

// Package health runs named subsystem checks for the health and readiness
// endpoints.
//
// Critical checks decide the aggregate result. Advisory checks are reported
// alongside but never mark the service unhealthy; they cover dependencies
// whose loss degrades a side feature, such as raw event storage, without
// stopping scoring.
package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Advisory bool   `json:"advisory,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Latency  string `json:"latency,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name     string
	check    Checker
	advisory bool
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a critical checker.
func (r *Registry) Register(name string, check Checker) {
	r.add(namedChecker{name: name, check: check})
}

// RegisterAdvisory adds a checker that is reported but does not affect the
// aggregate result.
func (r *Registry) RegisterAdvisory(name string, check Checker) {
	r.add(namedChecker{name: name, check: check, advisory: true})
}

func (r *Registry) add(nc namedChecker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, nc)
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently and returns the aggregate health
// plus the individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			st := nc.check(ctx)
			st.Name = nc.name
			st.Advisory = nc.advisory
			st.Latency = time.Since(start).Round(time.Microsecond).String()
			statuses[i] = st
		}()
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy && !st.Advisory {
			healthy = false
		}
	}
	return healthy, statuses
}

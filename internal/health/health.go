// Package health provides a registry of named subsystem health checkers.
//
// Checkers are either critical (the store) or degraded-only (deadline index,
// classifier, notifier). A failing degraded-only checker is reported but never
// marks the process unhealthy, since the engine keeps working without it.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultCheckTimeout bounds a single checker run.
const DefaultCheckTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Pinger is satisfied by *sql.DB and by thin wrappers around redis clients.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// WithTimeout overrides the per-checker timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a critical named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.add(name, true, check)
}

// RegisterDegraded adds a checker whose failure is reported without making
// the aggregate unhealthy.
func (r *Registry) RegisterDegraded(name string, check Checker) {
	r.add(name, false, check)
}

func (r *Registry) add(name string, critical bool, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, critical: critical, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		st := nc.check(cctx)
		cancel()
		if st.Name == "" {
			st.Name = nc.name
		}
		st.Critical = nc.critical
		statuses[i] = st
		if !st.Healthy && nc.critical {
			healthy = false
		}
	}

	return healthy, statuses
}

// Ping returns a Checker that reports p's PingContext result.
func Ping(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.PingContext(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Static returns a Checker that always reports healthy with detail.
func Static(name, detail string) Checker {
	return func(context.Context) Status {
		return Status{Name: name, Healthy: true, Detail: detail}
	}
}

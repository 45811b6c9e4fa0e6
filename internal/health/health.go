// Package health runs named subsystem checks for the /health endpoint.
package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 3 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout sets the per-check deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently and reports overall health plus
// per-subsystem results in registration order. A checker that outlives the
// deadline is reported unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		i, nc := i, nc
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = run(ctx, nc, timeout)
		}()
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func run(ctx context.Context, nc namedChecker, timeout time.Duration) Status {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Status, 1)
	go func() { done <- nc.check(ctx) }()

	select {
	case s := <-done:
		s.Name = nc.name
		return s
	case <-ctx.Done():
		return Status{Name: nc.name, Healthy: false, Detail: "timed out"}
	}
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Ping checks that a database answers.
func Ping(p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Fresh checks that a background loop has completed a cycle within maxAge.
// A loop that has never run is healthy until maxAge has passed since
// startedAt.
func Fresh(last func() time.Time, startedAt time.Time, maxAge time.Duration) Checker {
	return func(ctx context.Context) Status {
		at := last()
		if at.IsZero() {
			at = startedAt
		}
		if age := time.Since(at); age > maxAge {
			return Status{Healthy: false, Detail: fmt.Sprintf("last run %s ago", age.Round(time.Second))}
		}
		return Status{Healthy: true}
	}
}

// Circuits checks that no breaker key is open.
func Circuits(openKeys func() []string) Checker {
	return func(ctx context.Context) Status {
		if keys := openKeys(); len(keys) > 0 {
			return Status{Healthy: false, Detail: "open: " + strings.Join(keys, ",")}
		}
		return Status{Healthy: true}
	}
}

// Func adapts an error-returning probe.
func Func(probe func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := probe(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

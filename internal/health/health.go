// Package health aggregates named subsystem checks for the health and
// readiness endpoints.
package health

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"
)

// Status is the result of one check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker reports the health of one subsystem.
type Checker func(ctx context.Context) Status

// Registry holds checks in registration order.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	checks []Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a check under name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	r.checks = append(r.checks, check)
}

// CheckAll runs every check concurrently. Statuses come back in
// registration order; a check that panics is reported unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checks := append([]Checker(nil), r.checks...)
	r.mu.RUnlock()

	statuses = make([]Status, len(checks))
	var wg conc.WaitGroup
	for i := range checks {
		wg.Go(func() { statuses[i] = run(ctx, names[i], checks[i]) })
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		healthy = healthy && s.Healthy
	}
	return healthy, statuses
}

func run(ctx context.Context, name string, check Checker) (s Status) {
	defer func() {
		if p := recover(); p != nil {
			s = Status{Name: name, Detail: fmt.Sprintf("check panicked: %v", p)}
		}
	}()
	s = check(ctx)
	if s.Name == "" {
		s.Name = name
	}
	return s
}

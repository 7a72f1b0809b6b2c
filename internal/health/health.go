// Package health aggregates readiness probes for the checkout server's
// dependencies: the relay connection, the invoice issuer and the session
// manager each register a probe, and /healthz reports the combined result.
package health

import (
	"context"
	"sync"
	"time"
)

// checkTimeout bounds a single probe so one stuck dependency cannot
// hold the readiness endpoint hostage.
const checkTimeout = 5 * time.Second

// Status is the outcome of probing one dependency.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Checker probes one dependency. A nil error means healthy; the detail
// string is surfaced to operators either way.
type Checker func(ctx context.Context) (detail string, err error)

// Registry holds named probes and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	probes []probe
}

type probe struct {
	name  string
	check Checker
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named probe. Registration order is reporting order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.probes = append(r.probes, probe{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered probe under a per-probe timeout and
// returns the aggregate verdict plus the individual results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	probes := make([]probe, len(r.probes))
	copy(probes, r.probes)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(probes))

	for i, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, checkTimeout)
		detail, err := p.check(pctx)
		cancel()

		st := Status{
			Name:      p.name,
			Healthy:   err == nil,
			Detail:    detail,
			CheckedAt: time.Now().UTC(),
		}
		if err != nil {
			st.Detail = err.Error()
			healthy = false
		}
		statuses[i] = st
	}

	return healthy, statuses
}

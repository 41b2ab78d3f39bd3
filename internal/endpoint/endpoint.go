// Package endpoint holds the fixed set of node-access endpoints and their
// health. Every endpoint record is updated under its own lock so concurrent
// deliveries and the latency prober never contend on unrelated endpoints.
package endpoint

import (
	"sync"
	"time"
)

// Health is the routing state of an endpoint. Lower is better.
type Health int32

const (
	Healthy Health = iota
	Degraded
	Unreachable
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unreachable:
		return "unreachable"
	}
	return "unknown"
}

// Endpoint is one remote node-access server. Endpoints are created with the
// pool and never removed.
type Endpoint struct {
	URL   string
	index int

	mu          sync.Mutex
	health      Health
	latency     time.Duration
	hasLatency  bool
	failures    int
	lastFailure time.Time
}

// State is a point-in-time copy of an endpoint record
type State struct {
	URL         string        `json:"url"`
	Health      Health        `json:"-"`
	HealthName  string        `json:"health"`
	Latency     time.Duration `json:"latency_ns"`
	HasLatency  bool          `json:"has_latency"`
	Failures    int           `json:"failures"`
	LastFailure time.Time     `json:"last_failure,omitempty"`
}

// State returns a consistent copy of the record
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		URL:         e.URL,
		Health:      e.health,
		HealthName:  e.health.String(),
		Latency:     e.latency,
		HasLatency:  e.hasLatency,
		Failures:    e.failures,
		LastFailure: e.lastFailure,
	}
}

// Health returns the current health
func (e *Endpoint) Health() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

// recordOutcome applies one request outcome and returns the resulting health
func (e *Endpoint) recordOutcome(ok bool, streak int, now time.Time) Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ok {
		e.failures = 0
		if e.health > Healthy {
			e.health--
		}
		return e.health
	}
	e.failures++
	e.lastFailure = now
	switch e.health {
	case Healthy:
		e.health = Degraded
	case Degraded:
		if e.failures >= streak {
			e.health = Unreachable
		}
	}
	return e.health
}

// degrade demotes a healthy endpoint without counting a failure
func (e *Endpoint) degrade() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.health == Healthy {
		e.health = Degraded
	}
	return e.health
}

func (e *Endpoint) recordLatency(d time.Duration) {
	e.mu.Lock()
	e.latency = d
	e.hasLatency = true
	e.mu.Unlock()
}

package keymeter

import (
	"sort"
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// Component names tracked by the HealthTracker.
const (
	ComponentUsageStore = "usage_store"
	ComponentQRCode     = "qrcode"
)

// HealthState describes the health of a component.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker tracks per-component health using a circuit breaker pattern.
// Repeated persistence failures mark the usage store degraded.
type HealthTracker struct {
	mu         sync.RWMutex
	components map[string]*componentHealth
	now        func() time.Time
}

type componentHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time   // when state transitioned to unhealthy
	lastErr     string
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		components: make(map[string]*componentHealth),
		now:        time.Now,
	}
}

// GetHealth returns the current health state for a component.
func (h *HealthTracker) GetHealth(component string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.components[component]
	if !ok {
		return HealthHealthy
	}

	// Check if unhealthy period has elapsed → transition to half-open.
	if ch.state == HealthUnhealthy && h.now().Sub(ch.unhealthyAt) >= healthUnhealthyPeriod {
		ch.state = HealthHalfOpen
	}

	return ch.state
}

// RecordSuccess records a successful operation for a component.
func (h *HealthTracker) RecordSuccess(component string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.getOrCreate(component)
	ch.state = HealthHealthy
	ch.failures = ch.failures[:0]
	ch.lastErr = ""
}

// RecordFailure records a failed operation for a component.
func (h *HealthTracker) RecordFailure(component string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.getOrCreate(component)
	if err != nil {
		ch.lastErr = err.Error()
	}
	if ch.state == HealthUnhealthy {
		return
	}

	now := h.now()

	// Prune old failures outside the window.
	cutoff := now.Add(-healthFailureWindow)
	valid := ch.failures[:0]
	for _, t := range ch.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	ch.failures = append(valid, now)

	if len(ch.failures) >= healthFailureThreshold {
		ch.state = HealthUnhealthy
		ch.unhealthyAt = now
	}
}

// ComponentStatus is a point-in-time view of one component.
type ComponentStatus struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
}

// Snapshot returns the status of every component seen so far, sorted by name,
// and whether all of them are healthy.
func (h *HealthTracker) Snapshot() ([]ComponentStatus, bool) {
	h.mu.RLock()
	names := make([]string, 0, len(h.components))
	for name := range h.components {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	healthy := true
	out := make([]ComponentStatus, 0, len(names))
	for _, name := range names {
		state := h.GetHealth(name)
		if state != HealthHealthy {
			healthy = false
		}
		h.mu.RLock()
		lastErr := h.components[name].lastErr
		h.mu.RUnlock()
		out = append(out, ComponentStatus{Name: name, State: state.String(), LastError: lastErr})
	}
	return out, healthy
}

func (h *HealthTracker) getOrCreate(component string) *componentHealth {
	ch, ok := h.components[component]
	if !ok {
		ch = &componentHealth{state: HealthHealthy}
		h.components[component] = ch
	}
	return ch
}

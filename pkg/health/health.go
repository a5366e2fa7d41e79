// Package health tracks service readiness and serves the health endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// State constants for the readiness state machine.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

const defaultProbeTimeout = 2 * time.Second

// Probe checks one dependency, such as the database.
type Probe func(ctx context.Context) error

// Gauge reports a current count, such as active jobs.
type Gauge func() int

// Checker tracks the readiness state of the service and its dependencies.
// It is safe for concurrent use.
type Checker struct {
	state atomic.Int32

	mu     sync.RWMutex
	probes map[string]Probe
	gauges map[string]Gauge

	probeTimeout time.Duration
}

// NewChecker creates a Checker in the Starting state.
func NewChecker() *Checker {
	return &Checker{
		probes:       make(map[string]Probe),
		gauges:       make(map[string]Gauge),
		probeTimeout: defaultProbeTimeout,
	}
}

// AddProbe registers a dependency check consulted by the readiness handler.
func (c *Checker) AddProbe(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = p
}

// AddGauge registers a count reported by the health handler.
func (c *Checker) AddGauge(name string, g Gauge) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[name] = g
}

// SetReady transitions to the Ready state.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining transitions to the Draining state.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady returns true when the state is Ready.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// State returns the current state as a human-readable string.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

// Check runs every probe and returns the failures by name.
func (c *Checker) Check(ctx context.Context) map[string]string {
	c.mu.RLock()
	probes := make(map[string]Probe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	failures := make(map[string]string)
	for name, p := range probes {
		if err := p(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	return failures
}

func (c *Checker) counts() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.gauges) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.gauges))
	for name := range c.gauges {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(map[string]int, len(names))
	for _, name := range names {
		out[name] = c.gauges[name]()
	}
	return out
}

// healthResponse is the JSON body returned by health endpoints.
type healthResponse struct {
	Status string            `json:"status"`
	State  string            `json:"state,omitempty"`
	Counts map[string]int    `json:"counts,omitempty"`
	Failed map[string]string `json:"failed,omitempty"`
}

// HealthHandler answers the plain /health check with the current counts.
func (c *Checker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", State: c.State(), Counts: c.counts()})
	}
}

// LivenessHandler returns an http.HandlerFunc that always responds 200 OK.
// Use this for K8s livenessProbe (/healthz).
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// ReadinessHandler responds 200 when ready and every probe passes, and 503
// otherwise. Use this for K8s readinessProbe (/readyz).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: c.State()})
			return
		}
		if failed := c.Check(r.Context()); len(failed) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Failed: failed})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: c.State()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

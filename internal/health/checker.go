// Package health aggregates liveness checks for the gateway's storage
// backends and reports them through the /healthz endpoint.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// PingFunc probes one component. A nil error means the component answered.
type PingFunc func(ctx context.Context) error

// Component is the per-check result.
type Component struct {
	Name      string        `json:"name"`
	Type      string        `json:"type"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

type probe struct {
	name     string
	typ      string
	critical bool
	ping     PingFunc
}

// Checker runs registered probes and aggregates the result.
type Checker struct {
	timeout    time.Duration
	maxLatency time.Duration

	mu     sync.RWMutex
	probes []probe
	last   []Component
}

// New creates a Checker. Zero values default to a 2s probe timeout and a
// 100ms degraded-latency threshold.
func New(timeout, maxLatency time.Duration) *Checker {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	if maxLatency == 0 {
		maxLatency = 100 * time.Millisecond
	}
	return &Checker{timeout: timeout, maxLatency: maxLatency}
}

// Register adds a probe. Critical probes turn the overall status unhealthy
// when they fail; non-critical ones only degrade it.
func (c *Checker) Register(name, typ string, critical bool, ping PingFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, probe{name: name, typ: typ, critical: critical, ping: ping})
}

// Check runs all probes concurrently and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	c.mu.RLock()
	probes := append([]probe(nil), c.probes...)
	c.mu.RUnlock()

	var wg sync.WaitGroup
	results := make([]Component, len(probes))
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p probe) {
			defer wg.Done()
			results[i] = c.run(ctx, p)
		}(i, p)
	}
	wg.Wait()

	c.mu.Lock()
	c.last = results
	c.mu.Unlock()

	return c.aggregate(results)
}

func (c *Checker) run(ctx context.Context, p probe) Component {
	comp := Component{Name: p.name, Type: p.typ, Timestamp: time.Now()}

	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := p.ping(probeCtx)
	comp.Latency = time.Since(start)

	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "probe failed"
		return comp
	}
	if comp.Latency > c.maxLatency {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("high latency: %v", comp.Latency)
		return comp
	}
	comp.Status = StatusHealthy
	comp.Message = "ok"
	return comp
}

func (c *Checker) aggregate(components []Component) HealthStatus {
	overall := StatusHealthy
	criticalDown := false

	c.mu.RLock()
	probes := c.probes
	c.mu.RUnlock()

	for i, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if i < len(probes) && probes[i].critical {
				criticalDown = true
			}
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	if criticalDown {
		overall = StatusUnhealthy
	}

	return HealthStatus{Status: overall, Timestamp: time.Now(), Components: components}
}

// GetLastStatus returns the most recent check result without re-probing.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	last := append([]Component(nil), c.last...)
	c.mu.RUnlock()

	if len(last) == 0 {
		return HealthStatus{Status: StatusHealthy, Timestamp: time.Now()}
	}
	return c.aggregate(last)
}

// Package quota enforces per-org usage limits over a sliding window. Tracking
// is in-memory and single-instance; counters reset when the window rolls over.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/appforge/appforge-gateway/internal/tenant"
)

// Metrics tracked per org.
const (
	MetricRequests = "requests"
	MetricTokens   = "tokens"
)

// Limits holds the per-window ceilings for one org. Zero means unlimited.
type Limits struct {
	Requests int64 `yaml:"requests"`
	Tokens   int64 `yaml:"tokens"`
}

func (l Limits) forMetric(metric string) int64 {
	switch metric {
	case MetricRequests:
		return l.Requests
	case MetricTokens:
		return l.Tokens
	default:
		return 0
	}
}

// ExceededError reports a quota rejection.
type ExceededError struct {
	OrgID  string
	Metric string
	Limit  int64
	Used   int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for org %s: %s %d/%d", e.OrgID, e.Metric, e.Used, e.Limit)
}

type orgWindow struct {
	start  time.Time
	counts map[string]int64
}

// Manager tracks windowed usage per org.
type Manager struct {
	enabled   bool
	window    time.Duration
	defaults  Limits
	overrides map[string]Limits

	mu    sync.Mutex
	state map[string]*orgWindow
}

// NewManager creates a Manager. A zero window defaults to one hour. A nil
// overrides map means every org uses the defaults.
func NewManager(enabled bool, window time.Duration, defaults Limits, overrides map[string]Limits) *Manager {
	if window <= 0 {
		window = time.Hour
	}
	return &Manager{
		enabled:   enabled,
		window:    window,
		defaults:  defaults,
		overrides: overrides,
		state:     make(map[string]*orgWindow),
	}
}

// IsEnabled reports whether quota enforcement is active.
func (m *Manager) IsEnabled() bool { return m.enabled }

func (m *Manager) limitsFor(orgID string) Limits {
	if l, ok := m.overrides[orgID]; ok {
		return l
	}
	return m.defaults
}

// windowFor returns the current window for the org, rolling it over when
// expired. Caller must hold mu.
func (m *Manager) windowFor(orgID string) *orgWindow {
	w, ok := m.state[orgID]
	if !ok || time.Since(w.start) > m.window {
		w = &orgWindow{start: time.Now(), counts: make(map[string]int64)}
		m.state[orgID] = w
	}
	return w
}

// Enforce checks the org's limit for the metric and reserves value against
// the current window. Returns ExceededError when the reservation would cross
// the ceiling; the window is left untouched in that case.
func (m *Manager) Enforce(ctx context.Context, tctx tenant.Context, metric string, value int64) error {
	if !m.enabled || value <= 0 {
		return nil
	}
	limit := m.limitsFor(tctx.OrgID).forMetric(metric)
	if limit <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.windowFor(tctx.OrgID)
	if w.counts[metric]+value > limit {
		return &ExceededError{OrgID: tctx.OrgID, Metric: metric, Limit: limit, Used: w.counts[metric]}
	}
	w.counts[metric] += value
	return nil
}

// Charge records usage that is only known after the fact, such as the token
// count reported at stream end. Charges never fail a stream: they may push
// the window over its ceiling, which then rejects the next Enforce.
func (m *Manager) Charge(ctx context.Context, tctx tenant.Context, metric string, value int64) error {
	if !m.enabled || value <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.windowFor(tctx.OrgID)
	w.counts[metric] += value
	return nil
}

// Usage returns the org's current window counters. Used by the usage endpoint.
func (m *Manager) Usage(orgID string) map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.state[orgID]
	if !ok || time.Since(w.start) > m.window {
		return map[string]int64{}
	}
	out := make(map[string]int64, len(w.counts))
	for k, v := range w.counts {
		out[k] = v
	}
	return out
}

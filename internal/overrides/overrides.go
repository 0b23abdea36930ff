// Package overrides holds the process-wide debug switches that let demo and
// test tooling pin the risk score and the notion of "now". Everything behind
// atomic pointers: a reader always sees a fully written value or nil.
package overrides

import (
	"log/slog"
	"sync/atomic"
	"time"

	dErrors "anybank/pkg/domain-errors"
)

// Clock is the consumer-facing view: risk scoring and any time-sensitive
// policy input depend on this interface, never on the concrete store.
type Clock interface {
	// EffectiveTime returns the simulated time when an override is set,
	// otherwise the wall clock.
	EffectiveTime() time.Time
}

// RiskSource exposes the pinned risk score, if any.
type RiskSource interface {
	// RiskOverride returns (score, true) when an override is active.
	RiskOverride() (int, bool)
}

// Controls is the concrete store behind both interfaces.
type Controls struct {
	risk   atomic.Pointer[int]
	now    atomic.Pointer[time.Time]
	logger *slog.Logger
}

// Option configures Controls.
type Option func(*Controls)

// WithLogger sets a logger for override transitions.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controls) { c.logger = l }
}

// New constructs an empty control plane (no overrides active).
func New(opts ...Option) *Controls {
	c := &Controls{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetRiskOverride pins the risk score. Passing nil clears the override.
func (c *Controls) SetRiskOverride(score *int) error {
	if score != nil && (*score < 0 || *score > 100) {
		return dErrors.New(dErrors.CodeInvalidInput, "risk override must be between 0 and 100")
	}
	previous := c.risk.Swap(score)
	if c.logger != nil {
		c.logger.Info("risk override changed",
			"previous", intOrNil(previous),
			"current", intOrNil(score),
		)
	}
	return nil
}

// RiskOverride returns the pinned score and whether an override is active.
func (c *Controls) RiskOverride() (int, bool) {
	if v := c.risk.Load(); v != nil {
		return *v, true
	}
	return 0, false
}

// SetTimeOverride pins the simulated time. Passing nil clears the override.
func (c *Controls) SetTimeOverride(t *time.Time) {
	previous := c.now.Swap(t)
	if c.logger != nil {
		c.logger.Info("time override changed",
			"previous", timeOrNil(previous),
			"current", timeOrNil(t),
		)
	}
}

// EffectiveTime returns the simulated time if set, otherwise time.Now().
func (c *Controls) EffectiveTime() time.Time {
	if v := c.now.Load(); v != nil {
		return *v
	}
	return time.Now()
}

// TimeOverrideActive reports whether a simulated time is pinned.
func (c *Controls) TimeOverrideActive() bool {
	return c.now.Load() != nil
}

// ClearAll drops both overrides. Derived-state resets (sessions, audit trail,
// event buffer) are cascaded by the debug handler, not here, so the control
// plane stays free of store dependencies.
func (c *Controls) ClearAll() {
	c.risk.Store(nil)
	c.now.Store(nil)
	if c.logger != nil {
		c.logger.Info("all overrides cleared")
	}
}

// State is a snapshot of both overrides for the debug surface.
type State struct {
	RiskOverride       *int       `json:"riskOverride"`
	TimeOverride       *time.Time `json:"timeOverride"`
	RiskOverrideActive bool       `json:"riskOverrideActive"`
	TimeOverrideActive bool       `json:"timeOverrideActive"`
}

// Snapshot returns the current controls state.
func (c *Controls) Snapshot() State {
	var s State
	if v := c.risk.Load(); v != nil {
		score := *v
		s.RiskOverride = &score
		s.RiskOverrideActive = true
	}
	if v := c.now.Load(); v != nil {
		t := *v
		s.TimeOverride = &t
		s.TimeOverrideActive = true
	}
	return s
}

func intOrNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func timeOrNil(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}

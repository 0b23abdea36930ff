// Package policy builds canonical decision requests, submits them to the
// external policy engine, and normalizes the verdict. Any ambiguity - a
// transport failure, a malformed body, a missing result - is a denial.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"anybank/internal/debugevents"
	"anybank/internal/platform/metrics"
)

const riskDenialThreshold = 50

// Client talks to the policy engine's single decision endpoint.
type Client struct {
	url     string
	http    *http.Client
	bus     *debugevents.Bus
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the transport (timeouts live here).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithEventBus enables request/response lineage events.
func WithEventBus(b *debugevents.Bus) Option {
	return func(cl *Client) { cl.bus = b }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// New creates a Client against the given decision endpoint URL.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope wraps the input the way the engine expects.
type envelope struct {
	Input Input `json:"input"`
}

// response mirrors the engine's body: result is either a bare boolean or an
// object containing an "allow" boolean.
type response struct {
	Result json.RawMessage `json:"result"`
}

// Check submits the decision request and returns the normalized verdict.
// Never returns an error: failures become fail-closed denials with Err set.
func (c *Client) Check(ctx context.Context, input Input) Decision {
	start := time.Now()
	c.emitRequest(ctx, input)

	decision := c.call(ctx, input)
	decision.Latency = time.Since(start)

	if c.metrics != nil {
		c.metrics.PolicyLatency.Observe(decision.Latency.Seconds())
	}
	c.emitResponse(ctx, input, decision)

	return decision
}

func (c *Client) call(ctx context.Context, input Input) Decision {
	body, err := json.Marshal(envelope{Input: input})
	if err != nil {
		return c.failClosed("encode policy input", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return c.failClosed("build policy request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.failClosed("call policy engine", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.failClosed("policy engine status", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return c.failClosed("read policy response", err)
	}

	var parsed response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return c.failClosed("decode policy response", err)
	}
	if len(parsed.Result) == 0 || string(parsed.Result) == "null" {
		return c.failClosed("interpret policy response", fmt.Errorf("missing result"))
	}

	allow, err := parseAllow(parsed.Result)
	if err != nil {
		return c.failClosed("interpret policy response", err)
	}
	return Decision{Allow: allow}
}

// parseAllow accepts either a boolean result or an object with an "allow" key.
func parseAllow(raw json.RawMessage) (bool, error) {
	var direct bool
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct, nil
	}
	var nested struct {
		Allow bool `json:"allow"`
	}
	if err := json.Unmarshal(raw, &nested); err != nil {
		return false, fmt.Errorf("result is neither boolean nor object: %w", err)
	}
	return nested.Allow, nil
}

func (c *Client) failClosed(stage string, err error) Decision {
	if c.logger != nil {
		c.logger.Error("policy call failed, denying by default", "stage", stage, "error", err)
	}
	return Decision{Allow: false, Err: fmt.Sprintf("%s: %v", stage, err)}
}

// Enforce wraps Check and raises a typed error on anything but a clean allow.
// A clean rule denial becomes *DeniedError with a synthesized reason; an
// engine failure becomes *EvaluationError so the gateway can audit it as an
// error outcome while still denying.
func (c *Client) Enforce(ctx context.Context, input Input) error {
	decision := c.Check(ctx, input)
	if decision.Allow {
		return nil
	}
	if decision.Err != "" {
		return &EvaluationError{Action: input.Action, Cause: decision.Err}
	}
	return &DeniedError{
		Action:    input.Action,
		Reason:    synthesizeReason(input),
		RiskScore: input.Context.RiskScore,
	}
}

// synthesizeReason picks the most useful denial explanation. The high-risk
// path takes precedence over the role-based one.
func synthesizeReason(input Input) string {
	if input.Context.RiskScore >= riskDenialThreshold {
		return "High risk score detected"
	}
	if input.User.Role == RoleViewer {
		return "Insufficient permissions"
	}
	return "Action not permitted by policy"
}

func (c *Client) emitRequest(ctx context.Context, input Input) {
	if c.bus == nil {
		return
	}
	c.bus.Emit(ctx, debugevents.Event{
		Type:   debugevents.TypePolicy,
		Action: "policy_request",
		Actor: &debugevents.Actor{
			UserID:   input.User.ID,
			Email:    input.User.Email,
			TenantID: input.Tenant.ID,
			Role:     string(input.User.Role),
		},
		Details: map[string]any{
			"direction": "outbound",
			"from":      "backend",
			"to":        "policy-engine",
			"action":    input.Action,
			"endpoint":  c.url,
			"input": map[string]any{
				"user":      map[string]any{"id": input.User.ID.String(), "role": string(input.User.Role)},
				"tenant":    map[string]any{"id": input.Tenant.ID.String(), "type": string(input.Tenant.Type)},
				"resource":  map[string]any{"type": input.Resource.Type, "id": input.Resource.ID.String()},
				"riskScore": input.Context.RiskScore,
				"channel":   input.Context.Channel,
			},
		},
	})
}

func (c *Client) emitResponse(ctx context.Context, input Input, d Decision) {
	if c.bus == nil {
		return
	}
	details := map[string]any{
		"direction": "inbound",
		"from":      "policy-engine",
		"to":        "backend",
		"action":    input.Action,
		"allowed":   d.Allow,
		"duration":  d.Latency.Milliseconds(),
		"riskScore": input.Context.RiskScore,
	}
	if d.Err != "" {
		details["error"] = d.Err
	}
	c.bus.Emit(ctx, debugevents.Event{
		Type:   debugevents.TypePolicy,
		Action: "policy_response",
		Actor: &debugevents.Actor{
			UserID:   input.User.ID,
			TenantID: input.Tenant.ID,
		},
		Details: details,
	})
}

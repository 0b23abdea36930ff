// Package gateway runs the full authorization pipeline for one API action:
// resolve the caller's role, score the request, ask the policy engine, and
// record exactly one audit outcome. Everything downstream of the BFF session
// flow funnels through here.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"anybank/internal/audit"
	"anybank/internal/debugevents"
	"anybank/internal/directory"
	"anybank/internal/platform/metrics"
	"anybank/internal/policy"
	"anybank/internal/risk"
	id "anybank/pkg/domain"
	dErrors "anybank/pkg/domain-errors"
)

// Directory resolves the caller's standing inside a tenant.
type Directory interface {
	RoleInTenant(ctx context.Context, userID id.UserID, tenantID id.TenantID) (policy.Role, error)
	TenantByID(ctx context.Context, tenantID id.TenantID) (*directory.Tenant, error)
}

// Request is one action to authorize.
type Request struct {
	SessionID    string
	UserID       id.UserID
	Email        string
	TenantID     id.TenantID
	Action       string
	ResourceType string
	ResourceID   id.ResourceID
	Channel      string
	IPAddress    string
	UserAgent    string
	ForwardedFor string
}

// Decision is the gateway's verdict plus the risk context it was made under.
type Decision struct {
	Allowed   bool           `json:"allowed"`
	Reason    string         `json:"reason,omitempty"`
	RiskScore int            `json:"riskScore"`
	Factors   map[string]any `json:"factors,omitempty"`
}

// Gateway orchestrates the authorization pipeline.
type Gateway struct {
	scorer   *risk.Scorer
	policy   *policy.Client
	recorder *audit.Recorder
	dir      Directory

	logger  *slog.Logger
	bus     *debugevents.Bus
	metrics *metrics.Metrics
}

// Option configures the Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithEventBus attaches the debug event bus.
func WithEventBus(b *debugevents.Bus) Option {
	return func(g *Gateway) { g.bus = b }
}

// WithMetrics attaches the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New creates a Gateway. All four collaborators are required.
func New(scorer *risk.Scorer, policyClient *policy.Client, recorder *audit.Recorder, dir Directory, opts ...Option) *Gateway {
	if scorer == nil || policyClient == nil || recorder == nil || dir == nil {
		panic("gateway.New: scorer, policy client, recorder, and directory are required")
	}
	g := &Gateway{
		scorer:   scorer,
		policy:   policyClient,
		recorder: recorder,
		dir:      dir,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize runs the pipeline for one request. It returns the decision and,
// for anything other than an allow, an error the transport layer can map:
// domain forbidden for membership failures, *policy.DeniedError for policy
// denials, *policy.EvaluationError for engine failures (denied fail-closed).
// Exactly one audit record is written per invocation, whatever the outcome.
func (g *Gateway) Authorize(ctx context.Context, req Request) (Decision, error) {
	start := time.Now()
	g.emitRequest(ctx, req)

	role, err := g.dir.RoleInTenant(ctx, req.UserID, req.TenantID)
	if err != nil {
		return g.finish(ctx, req, start, Decision{
			Reason: "no active membership in tenant",
		}, audit.OutcomeDenied, dErrors.Wrap(err, dErrors.CodeForbidden, "no active membership in tenant"))
	}
	tenant, err := g.dir.TenantByID(ctx, req.TenantID)
	if err != nil {
		return g.finish(ctx, req, start, Decision{
			Reason: "unknown tenant",
		}, audit.OutcomeDenied, dErrors.Wrap(err, dErrors.CodeForbidden, "unknown tenant"))
	}

	assessment := g.scorer.Score(ctx, risk.Signals{
		UserID:       req.UserID,
		UserAgent:    req.UserAgent,
		ForwardedFor: req.ForwardedFor,
	})
	if g.metrics != nil {
		g.metrics.RiskScore.Observe(float64(assessment.Score))
	}

	input := policy.Input{
		User: policy.UserContext{
			ID:    req.UserID,
			Email: req.Email,
			Role:  role,
		},
		Tenant: policy.TenantContext{
			ID:   req.TenantID,
			Type: tenant.Type,
		},
		Action: req.Action,
		Resource: policy.ResourceContext{
			Type: req.ResourceType,
			ID:   req.ResourceID,
		},
		Context: policy.RequestContext{
			Channel:     req.Channel,
			IPAddress:   req.IPAddress,
			UserAgent:   req.UserAgent,
			RiskScore:   assessment.Score,
			IsNewDevice: req.UserAgent == "",
		},
	}

	decision := Decision{
		RiskScore: assessment.Score,
		Factors:   assessment.Factors,
	}

	err = g.policy.Enforce(ctx, input)
	var denied *policy.DeniedError
	var evalErr *policy.EvaluationError
	switch {
	case err == nil:
		decision.Allowed = true
		return g.finish(ctx, req, start, decision, audit.OutcomeSuccess, nil)
	case errors.As(err, &denied):
		decision.Reason = denied.Reason
		return g.finish(ctx, req, start, decision, audit.OutcomeDenied, err)
	case errors.As(err, &evalErr):
		decision.Reason = "authorization unavailable"
		return g.finish(ctx, req, start, decision, audit.OutcomeError, err)
	default:
		decision.Reason = "authorization failed"
		return g.finish(ctx, req, start, decision, audit.OutcomeError, err)
	}
}

// finish is the single exit point: one audit record, one response event, one
// metrics increment per invocation.
func (g *Gateway) finish(ctx context.Context, req Request, start time.Time, d Decision, outcome audit.Outcome, err error) (Decision, error) {
	g.recordAudit(ctx, req, d, outcome, err)

	if g.metrics != nil {
		g.metrics.AuthorizationDecisions.WithLabelValues(string(outcome)).Inc()
	}

	g.emitResponse(ctx, req, d, outcome, time.Since(start))

	if err != nil {
		g.logger.WarnContext(ctx, "authorization not granted",
			"action", req.Action,
			"outcome", outcome,
			"risk_score", d.RiskScore,
			"error", err,
		)
	} else {
		g.logger.InfoContext(ctx, "authorization granted",
			"action", req.Action,
			"risk_score", d.RiskScore,
		)
	}
	return d, err
}

// recordAudit writes the invocation's single audit record. The record's
// action is always api_request so velocity lookups see a uniform stream; the
// specific action travels in the metadata.
func (g *Gateway) recordAudit(ctx context.Context, req Request, d Decision, outcome audit.Outcome, err error) {
	score := d.RiskScore
	meta := map[string]any{"action": req.Action}
	if d.Reason != "" {
		meta["reason"] = d.Reason
	}
	if err != nil && outcome == audit.OutcomeError {
		meta["error"] = err.Error()
	}
	g.recorder.Record(ctx, audit.Record{
		UserID:       req.UserID,
		TenantID:     req.TenantID,
		Action:       audit.ActionAPIRequest,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Outcome:      outcome,
		RiskScore:    &score,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
		Metadata:     meta,
	})
}

func (g *Gateway) emitRequest(ctx context.Context, req Request) {
	if g.bus == nil {
		return
	}
	g.bus.Emit(ctx, debugevents.Event{
		Type:      debugevents.TypeAPI,
		Action:    "api_request",
		SessionID: req.SessionID,
		Actor: &debugevents.Actor{
			UserID:   req.UserID,
			Email:    req.Email,
			TenantID: req.TenantID,
		},
		Details: map[string]any{
			"direction": "inbound",
			"from":      "frontend",
			"to":        "backend",
			"action":    req.Action,
			"resource":  req.ResourceType,
		},
	})
}

func (g *Gateway) emitResponse(ctx context.Context, req Request, d Decision, outcome audit.Outcome, duration time.Duration) {
	if g.bus == nil {
		return
	}
	g.bus.Emit(ctx, debugevents.Event{
		Type:      debugevents.TypeAPI,
		Action:    "api_response",
		SessionID: req.SessionID,
		Actor: &debugevents.Actor{
			UserID:   req.UserID,
			Email:    req.Email,
			TenantID: req.TenantID,
		},
		Details: map[string]any{
			"direction": "outbound",
			"from":      "backend",
			"to":        "frontend",
			"action":    req.Action,
			"allowed":   d.Allowed,
			"outcome":   string(outcome),
			"riskScore": d.RiskScore,
			"reason":    d.Reason,
			"duration":  duration.Milliseconds(),
		},
	})
}

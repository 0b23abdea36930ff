package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	id "anybank/pkg/domain"

	"anybank/internal/platform/metrics"
)

// Recorder accepts structured outcomes and appends them without blocking the
// caller. A failure to persist is logged and counted, never propagated: the
// authorization decision already happened and must not be rolled back by an
// observability failure.
type Recorder struct {
	store   Store
	sinks   []Sink
	records chan Record
	wg      sync.WaitGroup
	logger  *slog.Logger
	metrics *metrics.Metrics
	async   bool
}

// RecorderOption configures the Recorder.
type RecorderOption func(*Recorder)

// WithAsyncBuffer enables async processing with the specified buffer size.
// Records are queued and persisted in a background goroutine; when the buffer
// is full the record is dropped rather than stalling the hot path.
func WithAsyncBuffer(size int) RecorderOption {
	return func(r *Recorder) {
		if size > 0 {
			r.records = make(chan Record, size)
			r.async = true
		}
	}
}

// WithRecorderLogger sets a logger for write-failure reporting.
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = logger }
}

// WithRecorderMetrics sets the metrics collector.
func WithRecorderMetrics(m *metrics.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithSinks adds fan-out sinks receiving a copy of every record.
func WithSinks(sinks ...Sink) RecorderOption {
	return func(r *Recorder) { r.sinks = append(r.sinks, sinks...) }
}

// NewRecorder builds a Recorder over the given store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store}
	for _, opt := range opts {
		opt(r)
	}
	if r.async {
		r.wg.Add(1)
		go r.drain()
	}
	return r
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for rec := range r.records {
		r.persist(context.Background(), rec)
	}
}

func (r *Recorder) persist(ctx context.Context, rec Record) {
	if err := r.store.Append(ctx, rec); err != nil {
		if r.logger != nil {
			r.logger.Error("failed to persist audit record",
				"error", err,
				"action", rec.Action,
				"outcome", rec.Outcome,
				"user_id", rec.UserID,
			)
		}
		if r.metrics != nil {
			r.metrics.AuditWriteFailures.Inc()
		}
	}
	for _, sink := range r.sinks {
		if err := sink.Append(ctx, rec); err != nil && r.logger != nil {
			r.logger.Warn("audit sink append failed", "error", err, "action", rec.Action)
		}
	}
}

// Record appends an outcome. In async mode the send is non-blocking.
func (r *Recorder) Record(ctx context.Context, rec Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if r.async {
		select {
		case r.records <- rec:
		default:
			if r.logger != nil {
				r.logger.Warn("audit buffer full, record dropped",
					"action", rec.Action,
					"outcome", rec.Outcome,
				)
			}
			if r.metrics != nil {
				r.metrics.AuditDropped.Inc()
			}
		}
		return
	}
	r.persist(ctx, rec)
}

// Success records a successful action.
func (r *Recorder) Success(ctx context.Context, userID id.UserID, tenantID id.TenantID, action, resourceType string, resourceID id.ResourceID, ip, userAgent string) {
	r.Record(ctx, Record{
		UserID:       userID,
		TenantID:     tenantID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      OutcomeSuccess,
		IPAddress:    ip,
		UserAgent:    userAgent,
	})
}

// Denied records a policy denial with its reason and risk score.
func (r *Recorder) Denied(ctx context.Context, userID id.UserID, tenantID id.TenantID, action, resourceType string, resourceID id.ResourceID, riskScore int, ip, userAgent, reason string) {
	score := riskScore
	r.Record(ctx, Record{
		UserID:       userID,
		TenantID:     tenantID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      OutcomeDenied,
		RiskScore:    &score,
		IPAddress:    ip,
		UserAgent:    userAgent,
		Metadata:     map[string]any{"reason": reason},
	})
}

// Error records a failed authorization attempt (e.g. policy engine unreachable).
func (r *Recorder) Error(ctx context.Context, userID id.UserID, tenantID id.TenantID, action, resourceType string, ip, userAgent, errMsg string) {
	r.Record(ctx, Record{
		UserID:       userID,
		TenantID:     tenantID,
		Action:       action,
		ResourceType: resourceType,
		Outcome:      OutcomeError,
		IPAddress:    ip,
		UserAgent:    userAgent,
		Metadata:     map[string]any{"error": errMsg},
	})
}

// Store exposes the backing store for history lookups (risk scorer).
func (r *Recorder) Store() Store { return r.store }

// Close shuts down the async recorder and waits for pending records to drain.
func (r *Recorder) Close() {
	if r.async && r.records != nil {
		close(r.records)
		r.wg.Wait()
	}
}

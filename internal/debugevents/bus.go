// Package debugevents is the bounded, multi-subscriber broadcast bus every
// pipeline step publishes to. Emit is best-effort: it never blocks, never
// panics into the caller, and a slow subscriber is dropped rather than letting
// it stall the hot path.
package debugevents

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"anybank/internal/platform/metrics"
	"anybank/internal/platform/middleware"
)

const (
	// DefaultCapacity bounds the ring buffer.
	DefaultCapacity = 1000

	// defaultQueryLimit is applied when a retrieval asks for no limit.
	defaultQueryLimit = 100

	// subscriberBuffer is the per-subscriber channel depth before the
	// subscriber is considered dead.
	subscriberBuffer = 64
)

// Bus holds the ring buffer and the live subscriber registry.
type Bus struct {
	mu       sync.RWMutex
	buffer   []Event
	capacity int

	subMu   sync.Mutex
	subs    map[uint64]chan Event
	nextSub uint64

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures the Bus.
type Option func(*Bus)

// WithCapacity overrides the ring buffer capacity.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithLogger sets a logger for emit failures and subscriber churn.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New constructs an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		capacity: DefaultCapacity,
		subs:     make(map[uint64]chan Event),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit records the event in the ring buffer and broadcasts it to live
// subscribers. Missing ID/timestamp/correlation are filled in; the
// correlation id comes from the request context when present.
func (b *Bus) Emit(ctx context.Context, e Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Warn("debug event emit recovered", "panic", r)
		}
	}()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = middleware.GetRequestID(ctx)
	}

	b.append(e)
	b.broadcast(e)

	if b.metrics != nil {
		b.metrics.EventsEmitted.WithLabelValues(string(e.Type)).Inc()
	}
	if b.logger != nil {
		b.logger.Debug("debug event emitted",
			"type", e.Type,
			"action", e.Action,
			"correlation_id", e.CorrelationID,
		)
	}
}

func (b *Bus) append(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffer = append(b.buffer, e)
	// FIFO eviction once over capacity.
	if over := len(b.buffer) - b.capacity; over > 0 {
		b.buffer = append(b.buffer[:0:0], b.buffer[over:]...)
	}
}

// broadcast publishes over a snapshot of the subscriber set; removal of dead
// subscribers is deferred until the pass completes so the registry is never
// mutated mid-iteration.
func (b *Bus) broadcast(e Event) {
	b.subMu.Lock()
	snapshot := make(map[uint64]chan Event, len(b.subs))
	for sid, ch := range b.subs {
		snapshot[sid] = ch
	}
	b.subMu.Unlock()

	var dead []uint64
	for sid, ch := range snapshot {
		select {
		case ch <- e:
		default:
			dead = append(dead, sid)
		}
	}

	for _, sid := range dead {
		b.unsubscribe(sid)
		if b.logger != nil {
			b.logger.Debug("dropped stalled debug event subscriber", "subscriber", sid)
		}
	}
}

// Subscribe registers a live subscriber. The returned cancel func must be
// called when the consumer goes away; the channel is closed on cancellation.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.subMu.Lock()
	b.nextSub++
	sid := b.nextSub
	b.subs[sid] = ch
	count := len(b.subs)
	b.subMu.Unlock()

	if b.metrics != nil {
		b.metrics.EventSubscribers.Set(float64(count))
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() { b.unsubscribe(sid) })
	}
	return ch, cancel
}

func (b *Bus) unsubscribe(sid uint64) {
	b.subMu.Lock()
	ch, ok := b.subs[sid]
	if ok {
		delete(b.subs, sid)
	}
	count := len(b.subs)
	b.subMu.Unlock()

	if ok {
		close(ch)
	}
	if b.metrics != nil {
		b.metrics.EventSubscribers.Set(float64(count))
	}
}

// Events returns buffered events matching the filter, most recent first.
// A zero limit falls back to the default; limits above capacity are clamped.
func (b *Bus) Events(f Filter) []Event {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > b.capacity {
		limit = b.capacity
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, limit)
	for i := len(b.buffer) - 1; i >= 0 && len(out) < limit; i-- {
		if f.matches(b.buffer[i]) {
			out = append(out, b.buffer[i])
		}
	}
	return out
}

// Timeline returns all buffered events for a session in chronological order,
// distinct from the most-recent-first default feed.
func (b *Bus) Timeline(sessionID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0)
	for _, e := range b.buffer {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Len reports the current number of buffered events.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.buffer)
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return len(b.subs)
}

// Clear empties the ring buffer. Subscribers are unaffected.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffer = nil
}

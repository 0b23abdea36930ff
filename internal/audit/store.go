package audit

import (
	"context"
	"time"

	id "anybank/pkg/domain"
)

// Store is the durable append-only contract. No updates, no deletes outside
// the administrative Clear used by demo reset tooling.
type Store interface {
	Append(ctx context.Context, rec Record) error

	// CountRecentActions counts a user's records matching action and outcome
	// created at or after since. Feeds the risk scorer's velocity and
	// failed-attempt factors.
	CountRecentActions(ctx context.Context, userID id.UserID, action string, outcome Outcome, since time.Time) (int, error)

	// ListRecent returns up to limit records, newest first.
	ListRecent(ctx context.Context, limit int) ([]Record, error)

	// Clear wipes the trail. Administrative reset only.
	Clear(ctx context.Context) error
}

// Sink receives a copy of every record for fan-out (e.g. a Kafka topic).
// Sinks are best-effort and never consulted for reads.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

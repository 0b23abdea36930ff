package debugevents

import (
	"time"

	"github.com/google/uuid"

	id "anybank/pkg/domain"
)

// EventType discriminates debug events.
type EventType string

const (
	TypeUI     EventType = "ui"
	TypeAPI    EventType = "api"
	TypePolicy EventType = "policy"
	TypeDB     EventType = "db"
	TypeAuth   EventType = "auth"
	TypeToken  EventType = "token"
	TypeAudit  EventType = "audit"
	TypeError  EventType = "error"
)

// Actor identifies who an event is about. All fields optional.
type Actor struct {
	UserID     id.UserID   `json:"userId,omitempty"`
	Email      string      `json:"email,omitempty"`
	TenantID   id.TenantID `json:"tenantId,omitempty"`
	TenantName string      `json:"tenantName,omitempty"`
	Role       string      `json:"role,omitempty"`
}

// Event captures one significant action for observability. Ephemeral: events
// live in the bus's ring buffer and on subscriber streams, never in durable
// storage.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlationId,omitempty"`
	SessionID     string         `json:"sessionId,omitempty"`
	Type          EventType      `json:"type"`
	Action        string         `json:"action"`
	Actor         *Actor         `json:"actor,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// Filter selects events on retrieval. Zero values match everything.
type Filter struct {
	Type          EventType
	SessionID     string
	CorrelationID string
	Limit         int
}

func (f Filter) matches(e Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	return true
}

package audit

import (
	"time"

	"github.com/google/uuid"

	id "anybank/pkg/domain"
)

// Outcome classifies the result of an authorization attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Record is one append-only audit entry. Keep it transport-agnostic so
// stores and sinks can fan out. Actor and tenant may be absent (zero IDs)
// for pre-authentication failures.
type Record struct {
	ID           uuid.UUID
	UserID       id.UserID
	TenantID     id.TenantID
	Action       string
	ResourceType string
	ResourceID   id.ResourceID
	Outcome      Outcome
	RiskScore    *int
	IPAddress    string
	UserAgent    string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// Well-known audit actions consumed by the risk scorer's history lookups.
const (
	ActionLogin      = "login"
	ActionAPIRequest = "api_request"
)

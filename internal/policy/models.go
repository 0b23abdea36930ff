package policy

import (
	"time"

	id "anybank/pkg/domain"
)

// Role is a user's membership role within a tenant.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
	RoleViewer Role = "VIEWER"
)

// TenantType distinguishes consumer from commercial tenants.
type TenantType string

const (
	TenantConsumer   TenantType = "CONSUMER"
	TenantCommercial TenantType = "COMMERCIAL"
)

// Input is the canonical decision request submitted to the policy engine
// under a single "input" envelope. Immutable once built; exists only for the
// duration of one policy call.
type Input struct {
	User     UserContext     `json:"user"`
	Tenant   TenantContext   `json:"tenant"`
	Action   string          `json:"action"`
	Resource ResourceContext `json:"resource"`
	Context  RequestContext  `json:"context"`
}

// UserContext identifies the acting user.
type UserContext struct {
	ID    id.UserID `json:"id"`
	Email string    `json:"email"`
	Role  Role      `json:"role"`
}

// TenantContext identifies the tenant the action runs under.
type TenantContext struct {
	ID   id.TenantID `json:"id"`
	Type TenantType  `json:"type"`
}

// ResourceContext describes the target resource.
type ResourceContext struct {
	Type string        `json:"type"`
	ID   id.ResourceID `json:"id"`
}

// RequestContext carries the request-scoped signals the rule set considers.
type RequestContext struct {
	Channel     string `json:"channel"`
	IPAddress   string `json:"ipAddress"`
	UserAgent   string `json:"userAgent"`
	RiskScore   int    `json:"riskScore"`
	IsNewDevice bool   `json:"isNewDevice"`
}

// Decision is the normalized result of one policy call.
type Decision struct {
	Allow   bool
	Reason  string
	Latency time.Duration
	// Err is set when the engine was unreachable or its response was
	// malformed. Such calls are always denials (fail-closed), but operators
	// must be able to distinguish them from genuine rule denials.
	Err string
}

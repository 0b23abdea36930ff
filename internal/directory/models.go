package directory

import (
	"time"

	"anybank/internal/policy"
	id "anybank/pkg/domain"
)

// User is a known principal. Identity lives in the provider; this record
// carries the profile the gateway needs for policy input.
type User struct {
	ID        id.UserID `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	FullName  string    `json:"fullName"`
	CreatedAt time.Time `json:"createdAt"`
}

// TenantStatus gates whether a tenant can be acted on at all.
type TenantStatus string

const (
	TenantActive    TenantStatus = "ACTIVE"
	TenantSuspended TenantStatus = "SUSPENDED"
	TenantClosed    TenantStatus = "CLOSED"
)

// Tenant is an organization or account context that scopes authorization.
type Tenant struct {
	ID        id.TenantID       `json:"id"`
	Name      string            `json:"name"`
	Type      policy.TenantType `json:"type"`
	Status    TenantStatus      `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
}

// MembershipStatus tracks the lifecycle of a user's place in a tenant. Only
// ACTIVE memberships grant access.
type MembershipStatus string

const (
	MembershipInvited   MembershipStatus = "INVITED"
	MembershipActive    MembershipStatus = "ACTIVE"
	MembershipSuspended MembershipStatus = "SUSPENDED"
	MembershipRevoked   MembershipStatus = "REVOKED"
)

// Membership links a user to a tenant with a role.
type Membership struct {
	UserID   id.UserID        `json:"userId"`
	TenantID id.TenantID      `json:"tenantId"`
	Role     policy.Role      `json:"role"`
	Status   MembershipStatus `json:"status"`
}

// TenantGrant is a tenant together with the caller's role in it.
type TenantGrant struct {
	Tenant Tenant      `json:"tenant"`
	Role   policy.Role `json:"role"`
}

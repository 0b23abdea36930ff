package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"anybank/internal/policy"
	"anybank/internal/sentinel"
	id "anybank/pkg/domain"
)

// Fixed demo identities so scripted scenarios and tests can refer to the same
// principals across restarts.
var (
	demoUserJDoe   = id.UserID(uuid.MustParse("11111111-1111-4111-8111-111111111111"))
	demoUserJSmith = id.UserID(uuid.MustParse("22222222-2222-4222-8222-222222222222"))
	demoUserAdmin  = id.UserID(uuid.MustParse("33333333-3333-4333-8333-333333333333"))

	demoTenantPersonal = id.TenantID(uuid.MustParse("aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"))
	demoTenantAcme     = id.TenantID(uuid.MustParse("bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb"))
)

// InMemoryStore is a seeded lookup table of demo users, tenants, and
// memberships. Authentication happens at the identity provider; this store
// only resolves who the authenticated principal is within the platform.
type InMemoryStore struct {
	mu          sync.RWMutex
	users       map[id.UserID]*User
	byUsername  map[string]id.UserID
	tenants     map[id.TenantID]*Tenant
	memberships []Membership
}

// NewInMemoryStore builds a store pre-populated with the demo dataset.
func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{}
	s.seed()
	return s
}

func (s *InMemoryStore) seed() {
	now := time.Now()

	s.users = map[id.UserID]*User{
		demoUserJDoe: {
			ID: demoUserJDoe, Username: "jdoe",
			Email: "jdoe@anybank.example", FullName: "Jane Doe", CreatedAt: now,
		},
		demoUserJSmith: {
			ID: demoUserJSmith, Username: "jsmith",
			Email: "jsmith@anybank.example", FullName: "John Smith", CreatedAt: now,
		},
		demoUserAdmin: {
			ID: demoUserAdmin, Username: "admin",
			Email: "admin@anybank.example", FullName: "Platform Admin", CreatedAt: now,
		},
	}
	s.byUsername = make(map[string]id.UserID, len(s.users))
	for uid, u := range s.users {
		s.byUsername[u.Username] = uid
	}

	s.tenants = map[id.TenantID]*Tenant{
		demoTenantPersonal: {
			ID: demoTenantPersonal, Name: "Jane Doe Personal",
			Type: policy.TenantConsumer, Status: TenantActive, CreatedAt: now,
		},
		demoTenantAcme: {
			ID: demoTenantAcme, Name: "Acme Manufacturing",
			Type: policy.TenantCommercial, Status: TenantActive, CreatedAt: now,
		},
	}

	s.memberships = []Membership{
		{UserID: demoUserJDoe, TenantID: demoTenantPersonal, Role: policy.RoleOwner, Status: MembershipActive},
		{UserID: demoUserJDoe, TenantID: demoTenantAcme, Role: policy.RoleViewer, Status: MembershipActive},
		{UserID: demoUserJSmith, TenantID: demoTenantAcme, Role: policy.RoleMember, Status: MembershipActive},
		{UserID: demoUserAdmin, TenantID: demoTenantAcme, Role: policy.RoleAdmin, Status: MembershipActive},
	}
}

// UserByUsername resolves a provider username to the platform user record.
func (s *InMemoryStore) UserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uid, ok := s.byUsername[username]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", username, sentinel.ErrNotFound)
	}
	u := *s.users[uid]
	return &u, nil
}

func (s *InMemoryStore) UserByID(_ context.Context, userID id.UserID) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, sentinel.ErrNotFound)
	}
	out := *u
	return &out, nil
}

func (s *InMemoryStore) TenantByID(_ context.Context, tenantID id.TenantID) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, sentinel.ErrNotFound)
	}
	out := *t
	return &out, nil
}

// TenantsForUser lists the tenants a user can act in, with their role in
// each. Only ACTIVE memberships count.
func (s *InMemoryStore) TenantsForUser(_ context.Context, userID id.UserID) ([]TenantGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var grants []TenantGrant
	for _, m := range s.memberships {
		if m.UserID != userID || m.Status != MembershipActive {
			continue
		}
		if t, ok := s.tenants[m.TenantID]; ok {
			grants = append(grants, TenantGrant{Tenant: *t, Role: m.Role})
		}
	}
	return grants, nil
}

// RoleInTenant returns the user's role in the tenant, or ErrNotFound when no
// active membership exists.
func (s *InMemoryStore) RoleInTenant(_ context.Context, userID id.UserID, tenantID id.TenantID) (policy.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.memberships {
		if m.UserID == userID && m.TenantID == tenantID && m.Status == MembershipActive {
			return m.Role, nil
		}
	}
	return "", fmt.Errorf("no active membership for user %s in tenant %s: %w", userID, tenantID, sentinel.ErrNotFound)
}

// HasAccess reports whether the user holds an active membership in the tenant.
func (s *InMemoryStore) HasAccess(ctx context.Context, userID id.UserID, tenantID id.TenantID) bool {
	_, err := s.RoleInTenant(ctx, userID, tenantID)
	return err == nil
}

// Reseed restores the demo dataset. Administrative reset only.
func (s *InMemoryStore) Reseed(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seed()
}

package httptransport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anybank/internal/audit"
	"anybank/internal/bff"
	"anybank/internal/directory"
	"anybank/internal/gateway"
	"anybank/internal/overrides"
	"anybank/internal/platform/logger"
	"anybank/internal/policy"
	"anybank/internal/risk"
	"anybank/internal/session"
	id "anybank/pkg/domain"
)

type stubDirectory struct {
	role   policy.Role
	tenant *directory.Tenant
}

func (s *stubDirectory) RoleInTenant(context.Context, id.UserID, id.TenantID) (policy.Role, error) {
	return s.role, nil
}

func (s *stubDirectory) TenantByID(context.Context, id.TenantID) (*directory.Tenant, error) {
	return s.tenant, nil
}

type apiFixture struct {
	srv      http.Handler
	sessions *session.InMemoryStore
	store    *audit.InMemoryStore
	userID   id.UserID
	tenantID id.TenantID
}

func newAPIFixture(t *testing.T, policyURL string) *apiFixture {
	t.Helper()
	log := logger.New()
	sessions := session.NewInMemoryStore()
	store := audit.NewInMemoryStore()
	controls := overrides.New()
	tenantID := id.NewTenantID()

	gw := gateway.New(
		risk.New(store, controls),
		policy.New(policyURL),
		audit.NewRecorder(store),
		&stubDirectory{role: policy.RoleMember, tenant: &directory.Tenant{ID: tenantID, Type: policy.TenantCommercial}},
	)
	api := NewAPIHandler(sessions, gw, log)
	return &apiFixture{
		srv:      NewRouter(log, api),
		sessions: sessions,
		store:    store,
		userID:   id.NewUserID(),
		tenantID: tenantID,
	}
}

func unsignedToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header, err := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT"})
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + ".x"
}

func (f *apiFixture) loggedInCookie(t *testing.T, withTenant bool) *http.Cookie {
	t.Helper()
	now := time.Now()
	sess := &session.Session{
		ID: id.NewSessionID(),
		Tokens: &session.TokenSet{
			AccessToken: unsignedToken(t, map[string]any{
				"sub":   f.userID.String(),
				"email": "jdoe@anybank.example",
			}),
			ExpiresIn:  3600,
			ObtainedAt: now,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if withTenant {
		sess.TenantID = f.tenantID
	}
	require.NoError(t, f.sessions.Create(context.Background(), sess))
	return &http.Cookie{Name: bff.SessionCookieName, Value: sess.ID.String()}
}

func allowServer(t *testing.T, allow bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"result":{"allow":%t}}`, allow)
	}))
}

func TestActionRequiresSession(t *testing.T) {
	srv := allowServer(t, true)
	defer srv.Close()
	f := newAPIFixture(t, srv.URL)

	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/actions/account:read", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestActionRequiresTenantSelection(t *testing.T) {
	srv := allowServer(t, true)
	defer srv.Close()
	f := newAPIFixture(t, srv.URL)

	req := httptest.NewRequest(http.MethodPost, "/api/actions/account:read", nil)
	req.AddCookie(f.loggedInCookie(t, false))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActionAllowed(t *testing.T) {
	srv := allowServer(t, true)
	defer srv.Close()
	f := newAPIFixture(t, srv.URL)

	req := httptest.NewRequest(http.MethodPost, "/api/actions/account:read", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.AddCookie(f.loggedInCookie(t, true))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, 1, f.store.Len())
}

func TestActionDenied(t *testing.T) {
	srv := allowServer(t, false)
	defer srv.Close()
	f := newAPIFixture(t, srv.URL)

	req := httptest.NewRequest(http.MethodPost, "/api/actions/wire_transfer", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.AddCookie(f.loggedInCookie(t, true))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["allowed"])
	assert.NotEmpty(t, body["reason"])
}

func TestActionPolicyEngineDown(t *testing.T) {
	srv := allowServer(t, true)
	srv.Close()
	f := newAPIFixture(t, srv.URL)

	req := httptest.NewRequest(http.MethodPost, "/api/actions/account:read", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.AddCookie(f.loggedInCookie(t, true))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 1, f.store.Len(), "engine failure still audits exactly once")
}

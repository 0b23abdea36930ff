package bff

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anybank/internal/debugevents"
	"anybank/internal/session"
	id "anybank/pkg/domain"
)

const testFrontend = "http://localhost:3000"

type bffFixture struct {
	handler  *Handler
	router   *chi.Mux
	sessions *session.InMemoryStore
	bus      *debugevents.Bus
}

func newFixture(t *testing.T, providerURL string) *bffFixture {
	t.Helper()
	return buildFixture(t, providerURL, false)
}

func newStrictFixture(t *testing.T, providerURL string) *bffFixture {
	t.Helper()
	return buildFixture(t, providerURL, true)
}

func buildFixture(t *testing.T, providerURL string, strict bool) *bffFixture {
	t.Helper()
	sessions := session.NewInMemoryStore()
	bus := debugevents.New()
	provider := NewProvider(ProviderConfig{
		BaseURL:        providerURL,
		Realm:          "anybank",
		ClientID:       "anybank-web",
		RedirectURI:    "http://localhost:8000/bff/auth/callback",
		StrictExchange: strict,
	}, WithProviderEventBus(bus))

	h := New(sessions, provider, testFrontend, time.Hour, WithEventBus(bus))
	r := chi.NewRouter()
	h.Register(r)
	return &bffFixture{handler: h, router: r, sessions: sessions, bus: bus}
}

// seedSession stores a session and returns the request cookie pointing at it.
func (f *bffFixture) seedSession(t *testing.T, sess *session.Session) *http.Cookie {
	t.Helper()
	require.NoError(t, f.sessions.Create(context.Background(), sess))
	return &http.Cookie{Name: SessionCookieName, Value: sess.ID.String()}
}

func pendingSession(state, verifier string) *session.Session {
	now := time.Now()
	return &session.Session{
		ID:        id.NewSessionID(),
		State:     state,
		Verifier:  verifier,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func authenticatedSession() *session.Session {
	now := time.Now()
	return &session.Session{
		ID: id.NewSessionID(),
		Tokens: &session.TokenSet{
			AccessToken:  "at",
			RefreshToken: "rt",
			IDToken:      "idt",
			TokenType:    "Bearer",
			ExpiresIn:    3600,
			ObtainedAt:   now,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

// tokenEndpoint fakes the provider's token endpoint, capturing the submitted
// form and answering with a token set.
func tokenEndpoint(t *testing.T, captured *url.Values, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/token") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		require.NoError(t, r.ParseForm())
		if captured != nil {
			*captured = r.PostForm
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access-token",
			"refresh_token": "new-refresh-token",
			"id_token":      "new-id-token",
			"token_type":    "Bearer",
			"scope":         "openid profile email",
			"expires_in":    300,
		})
	}))
}

func TestLoginRedirectsToProviderWithPKCE(t *testing.T) {
	f := newFixture(t, "http://provider.example")

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bff/auth/login", nil))

	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/realms/anybank/protocol/openid-connect/auth", loc.Path)
	q := loc.Query()
	assert.Equal(t, "anybank-web", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, q.Get("code_challenge"))

	// The cookie points at a stored session whose verifier hashes to the
	// challenge in the redirect.
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	var sessionCookie *http.Cookie
	for _, c := range cookies {
		if c.Name == SessionCookieName {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie)
	assert.True(t, sessionCookie.HttpOnly)

	sess, err := f.sessions.FindByID(context.Background(), id.SessionID(sessionCookie.Value))
	require.NoError(t, err)
	assert.Equal(t, q.Get("state"), sess.State)
	assert.Equal(t, q.Get("code_challenge"), Challenge(sess.Verifier))
}

func TestCallbackWithoutSessionFailsAsStateMismatch(t *testing.T) {
	f := newFixture(t, "http://provider.example")

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bff/auth/callback?code=abc&state=xyz", nil))

	// A missing session is indistinguishable from a tampered state.
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, testFrontend+"/#/login?error=state_mismatch", rec.Header().Get("Location"))

	events := f.bus.Events(debugevents.Filter{Type: debugevents.TypeError})
	require.NotEmpty(t, events)
	assert.Equal(t, "state_mismatch", events[0].Details["error"])
}

func TestCallbackStateMismatch(t *testing.T) {
	f := newFixture(t, "http://provider.example")
	cookie := f.seedSession(t, pendingSession("expected-state", "verifier"))

	req := httptest.NewRequest(http.MethodGet, "/bff/auth/callback?code=abc&state=tampered", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, testFrontend+"/#/login?error=state_mismatch", rec.Header().Get("Location"))

	// The event stream carries the summarized code only, never the expected
	// or received state values.
	events := f.bus.Events(debugevents.Filter{Type: debugevents.TypeError})
	require.NotEmpty(t, events)
	assert.Equal(t, "state_mismatch", events[0].Details["error"])
	assert.NotContains(t, events[0].Details, "expectedState")
	assert.NotContains(t, events[0].Details, "receivedState")
}

func TestCallbackStateNeverSavedFailsAsMismatch(t *testing.T) {
	f := newFixture(t, "http://provider.example")
	cookie := f.seedSession(t, pendingSession("", ""))

	req := httptest.NewRequest(http.MethodGet, "/bff/auth/callback?code=abc&state=anything", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, testFrontend+"/#/login?error=state_mismatch", rec.Header().Get("Location"))
}

func TestCallbackProviderErrorShortCircuits(t *testing.T) {
	f := newFixture(t, "http://provider.example")
	cookie := f.seedSession(t, pendingSession("s", "v"))

	req := httptest.NewRequest(http.MethodGet, "/bff/auth/callback?error=access_denied&error_description=user+cancelled", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, testFrontend+"/#/login?error=access_denied", rec.Header().Get("Location"))

	// A provider error is a terminal outcome: pending artifacts are gone.
	sess, err := f.sessions.FindByID(context.Background(), id.SessionID(cookie.Value))
	require.NoError(t, err)
	assert.Empty(t, sess.State)
	assert.Empty(t, sess.Verifier)

	// The event carries the provider's error code, not its raw description.
	events := f.bus.Events(debugevents.Filter{Type: debugevents.TypeError})
	require.NotEmpty(t, events)
	assert.Equal(t, "access_denied", events[0].Details["error"])
	assert.NotContains(t, events[0].Details, "errorDescription")
}

func TestCallbackSuccessStoresTokens(t *testing.T) {
	var form url.Values
	srv := tokenEndpoint(t, &form, http.StatusOK)
	defer srv.Close()

	f := newFixture(t, srv.URL)
	sess := pendingSession("good-state", "the-verifier")
	cookie := f.seedSession(t, sess)

	req := httptest.NewRequest(http.MethodGet, "/bff/auth/callback?code=auth-code&state=good-state", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, testFrontend+"/#/callback?auth=success", rec.Header().Get("Location"))

	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "auth-code", form.Get("code"))
	assert.Equal(t, "the-verifier", form.Get("code_verifier"))

	stored, err := f.sessions.FindByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, stored.Authenticated())
	assert.Equal(t, "new-access-token", stored.Tokens.AccessToken)
	assert.Empty(t, stored.State)
	assert.Empty(t, stored.Verifier)
}

func TestCallbackVerifierConsumedEvenWhenExchangeFails(t *testing.T) {
	srv := tokenEndpoint(t, nil, http.StatusInternalServerError)
	defer srv.Close()

	f := newFixture(t, srv.URL)
	sess := pendingSession("good-state", "the-verifier")
	cookie := f.seedSession(t, sess)

	req := httptest.NewRequest(http.MethodGet, "/bff/auth/callback?code=auth-code&state=good-state", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, testFrontend+"/#/login?error=token_exchange_failed", rec.Header().Get("Location"))

	stored, err := f.sessions.FindByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Verifier, "verifier must be single-use regardless of exchange outcome")
	assert.Empty(t, stored.State)
	assert.False(t, stored.Authenticated())
}

func TestCallbackStateMismatchClearsPending(t *testing.T) {
	f := newFixture(t, "http://provider.example")
	sess := pendingSession("expected-state", "verifier")
	cookie := f.seedSession(t, sess)

	req := httptest.NewRequest(http.MethodGet, "/bff/auth/callback?code=abc&state=tampered", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	stored, err := f.sessions.FindByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.State)
	assert.Empty(t, stored.Verifier)
}

func TestMeRequiresSession(t *testing.T) {
	f := newFixture(t, "http://provider.example")

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bff/auth/me", nil))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["authenticated"])
}

func TestMeReturnsDecodedClaims(t *testing.T) {
	f := newFixture(t, "http://provider.example")
	sess := authenticatedSession()
	sess.Tokens.AccessToken = forgeToken(t, map[string]any{
		"sub":                "user-123",
		"email":              "jdoe@anybank.example",
		"preferred_username": "jdoe",
	})
	cookie := f.seedSession(t, sess)

	req := httptest.NewRequest(http.MethodGet, "/bff/auth/me", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, "user-123", body["sub"])
	assert.Equal(t, "jdoe@anybank.example", body["email"])
	assert.NotContains(t, body, "access_token")
}

func TestTokenExchangeScopesSessionToTenant(t *testing.T) {
	var form url.Values
	srv := tokenEndpoint(t, &form, http.StatusOK)
	defer srv.Close()

	f := newFixture(t, srv.URL)
	sess := authenticatedSession()
	cookie := f.seedSession(t, sess)

	tenantID := id.NewTenantID()
	payload := `{"target_tenant_id":"` + tenantID.String() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/bff/auth/token/exchange", strings.NewReader(payload))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, tenantID.String(), body["tenant_id"])

	// The provider received the RFC 8693 grant for the selected tenant.
	assert.Equal(t, "urn:ietf:params:oauth:grant-type:token-exchange", form.Get("grant_type"))
	assert.Equal(t, "at", form.Get("subject_token"))
	assert.Equal(t, "openid tenant:"+tenantID.String(), form.Get("scope"))

	stored, err := f.sessions.FindByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, tenantID, stored.TenantID)
	assert.Equal(t, "new-access-token", stored.Tokens.AccessToken)
}

func TestTokenExchangeFallsBackToOriginalToken(t *testing.T) {
	var form url.Values
	srv := tokenEndpoint(t, &form, http.StatusBadRequest)
	defer srv.Close()

	f := newFixture(t, srv.URL)
	sess := authenticatedSession()
	cookie := f.seedSession(t, sess)

	tenantID := id.NewTenantID()
	req := httptest.NewRequest(http.MethodPost, "/bff/auth/token/exchange",
		strings.NewReader(`{"target_tenant_id":"`+tenantID.String()+`"}`))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	// The grant was attempted, the provider refused, and the session keeps
	// its original token with the new tenant scope.
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "urn:ietf:params:oauth:grant-type:token-exchange", form.Get("grant_type"))

	stored, err := f.sessions.FindByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, tenantID, stored.TenantID)
	assert.Equal(t, "at", stored.Tokens.AccessToken)

	var sawFallback bool
	for _, e := range f.bus.Events(debugevents.Filter{Type: debugevents.TypeToken}) {
		if e.Action == "token_exchange_fallback" {
			sawFallback = true
		}
	}
	assert.True(t, sawFallback, "fallback emits a token event")
}

func TestTokenExchangeStrictModeSurfacesFailure(t *testing.T) {
	srv := tokenEndpoint(t, nil, http.StatusBadRequest)
	defer srv.Close()

	f := newStrictFixture(t, srv.URL)
	sess := authenticatedSession()
	cookie := f.seedSession(t, sess)

	req := httptest.NewRequest(http.MethodPost, "/bff/auth/token/exchange",
		strings.NewReader(`{"target_tenant_id":"`+id.NewTenantID().String()+`"}`))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)

	stored, err := f.sessions.FindByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, stored.TenantID.IsZero(), "failed strict exchange must not scope the session")
}

func TestTokenExchangeRejectsUnauthenticated(t *testing.T) {
	f := newFixture(t, "http://provider.example")
	cookie := f.seedSession(t, pendingSession("s", "v"))

	req := httptest.NewRequest(http.MethodPost, "/bff/auth/token/exchange",
		strings.NewReader(`{"target_tenant_id":"`+id.NewTenantID().String()+`"}`))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionEndpointReportsStatus(t *testing.T) {
	f := newFixture(t, "http://provider.example")

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bff/auth/session", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["authenticated"])

	cookie := f.seedSession(t, authenticatedSession())
	req := httptest.NewRequest(http.MethodGet, "/bff/auth/session", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, true, body["hasTokens"])
}

func TestLogoutWithoutSessionRedirectsToLogin(t *testing.T) {
	f := newFixture(t, "http://provider.example")

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bff/auth/logout", nil))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, testFrontend+"/#/login", rec.Header().Get("Location"))
}

func TestLogoutRevokesAndClearsSession(t *testing.T) {
	var revoked url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/revoke") {
			require.NoError(t, r.ParseForm())
			revoked = r.PostForm
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	sess := authenticatedSession()
	cookie := f.seedSession(t, sess)

	req := httptest.NewRequest(http.MethodGet, "/bff/auth/logout", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/realms/anybank/protocol/openid-connect/logout", loc.Path)
	assert.Equal(t, "idt", loc.Query().Get("id_token_hint"))

	assert.Equal(t, "rt", revoked.Get("token"))

	stored, err := f.sessions.FindByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.False(t, stored.Authenticated())
}

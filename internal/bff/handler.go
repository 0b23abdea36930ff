package bff

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"anybank/internal/audit"
	"anybank/internal/debugevents"
	"anybank/internal/platform/metrics"
	"anybank/internal/session"
	jsonResponse "anybank/internal/transport/http/json"
	id "anybank/pkg/domain"
)

// SessionCookieName is the browser cookie carrying the opaque session id.
// Tokens never ride in it; the cookie is just a pointer into the store.
const SessionCookieName = "bff_session"

// Handler implements the backend-for-frontend authentication surface.
// The browser only ever sees redirects, the session cookie, and decoded
// claims; all tokens stay server-side.
type Handler struct {
	sessions session.Store
	provider *Provider

	frontendURL string
	sessionTTL  time.Duration

	logger   *slog.Logger
	bus      *debugevents.Bus
	metrics  *metrics.Metrics
	recorder *audit.Recorder
}

// Option configures the Handler.
type Option func(*Handler)

// WithEventBus attaches the debug event bus.
func WithEventBus(b *debugevents.Bus) Option {
	return func(h *Handler) { h.bus = b }
}

// WithMetrics attaches the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithAuditRecorder enables login outcome auditing. Denied logins recorded
// here feed the risk scorer's failed-attempts factor.
func WithAuditRecorder(r *audit.Recorder) Option {
	return func(h *Handler) { h.recorder = r }
}

// New creates the BFF auth handler.
func New(sessions session.Store, provider *Provider, frontendURL string, sessionTTL time.Duration, opts ...Option) *Handler {
	if sessionTTL <= 0 {
		sessionTTL = time.Hour
	}
	h := &Handler{
		sessions:    sessions,
		provider:    provider,
		frontendURL: frontendURL,
		sessionTTL:  sessionTTL,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the BFF auth routes.
func (h *Handler) Register(r chi.Router) {
	r.Route("/bff/auth", func(r chi.Router) {
		r.Get("/login", h.HandleLogin)
		r.Get("/callback", h.HandleCallback)
		r.Get("/me", h.HandleMe)
		r.Post("/token/exchange", h.HandleTokenExchange)
		r.Get("/session", h.HandleSession)
		r.Get("/logout", h.HandleLogout)
	})
}

// HandleLogin starts the authorization code flow with PKCE and redirects the
// browser to the provider's login page.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state := uuid.NewString()
	verifier, err := GenerateVerifier()
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to generate PKCE verifier", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	challenge := Challenge(verifier)

	sess, created := h.loadOrCreateSession(ctx, r)
	sess.State = state
	sess.Verifier = verifier
	if err := h.persistSession(ctx, sess, created); err != nil {
		h.logger.ErrorContext(ctx, "failed to persist login session", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.setSessionCookie(w, sess.ID)

	if h.metrics != nil {
		h.metrics.LoginsInitiated.Inc()
	}
	h.emit(ctx, debugevents.TypeAuth, "login_initiated", sess.ID.String(), map[string]any{
		"direction": "inbound",
		"from":      "frontend",
		"to":        "backend",
		"path":      "/bff/auth/login",
	})

	authURL := h.provider.AuthorizationURL(state, challenge)
	h.emit(ctx, debugevents.TypeAuth, "provider_redirect", sess.ID.String(), map[string]any{
		"direction":   "outbound",
		"from":        "backend",
		"to":          "identity-provider",
		"authUrl":     authURL,
		"clientId":    h.provider.clientID,
		"redirectUri": h.provider.redirectURI,
		"state":       state,
		"pkce":        true,
	})

	h.logger.InfoContext(ctx, "redirecting to identity provider", "session_id", sess.ID)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback completes the flow: validates state, consumes the PKCE
// verifier, exchanges the code, and redirects back to the frontend. Every
// failure path redirects with an error query parameter rather than rendering
// an error page; the frontend owns presentation.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	code := q.Get("code")
	state := q.Get("state")
	providerErr := q.Get("error")

	sess, err := h.loadSession(ctx, r)
	hasSession := err == nil

	h.emit(ctx, debugevents.TypeAuth, "callback_received", sessionIDOrEmpty(sess), map[string]any{
		"direction": "inbound",
		"from":      "identity-provider",
		"to":        "backend",
		"path":      "/bff/auth/callback",
		"hasCode":   code != "",
		"hasError":  providerErr != "",
		"state":     state,
	})

	if providerErr != "" {
		h.logger.ErrorContext(ctx, "provider returned an authorization error",
			"error", providerErr,
			"description", q.Get("error_description"),
		)
		h.emit(ctx, debugevents.TypeError, "auth_error", sessionIDOrEmpty(sess), map[string]any{
			"error": providerErr,
			"from":  "identity-provider",
		})
		if hasSession {
			h.clearPending(ctx, sess)
		}
		h.failCallback(w, r, "provider_error", providerErr)
		return
	}

	// Absent session, never-saved state, and tampered state all fail the same
	// way; neither the redirect nor the event stream says which check tripped.
	if !hasSession {
		h.logger.ErrorContext(ctx, "no session for oauth callback")
		h.emit(ctx, debugevents.TypeError, "auth_error", "", map[string]any{
			"error": "state_mismatch",
		})
		h.failCallback(w, r, "state_mismatch", "state_mismatch")
		return
	}

	if sess.State == "" || sess.State != state {
		h.logger.ErrorContext(ctx, "oauth state mismatch",
			"expected", sess.State,
			"received", state,
		)
		h.emit(ctx, debugevents.TypeError, "auth_error", sess.ID.String(), map[string]any{
			"error": "state_mismatch",
		})
		h.clearPending(ctx, sess)
		h.failCallback(w, r, "state_mismatch", "state_mismatch")
		return
	}

	// The verifier is single-use: persist its removal before the exchange so
	// a replayed callback can never reuse it, regardless of the outcome.
	verifier := sess.ConsumeVerifier()
	if err := h.sessions.Update(ctx, sess); err != nil {
		h.logger.ErrorContext(ctx, "failed to consume verifier", "error", err)
		h.failCallback(w, r, "internal_error", "internal_error")
		return
	}

	tokens, err := h.provider.Exchange(ctx, code, verifier)
	if err != nil {
		h.logger.ErrorContext(ctx, "token exchange failed", "error", err)
		h.clearPending(ctx, sess)
		h.failCallback(w, r, "token_exchange_failed", "token_exchange_failed")
		return
	}

	sess.Tokens = tokens
	sess.ClearPending()
	if err := h.sessions.Update(ctx, sess); err != nil {
		h.logger.ErrorContext(ctx, "failed to store session tokens", "error", err)
		h.failCallback(w, r, "internal_error", "internal_error")
		return
	}

	h.auditLogin(r, audit.OutcomeSuccess, "", loginUserID(tokens.AccessToken))

	h.emit(ctx, debugevents.TypeAuth, "session_created", sess.ID.String(), map[string]any{
		"tokenType": tokens.TokenType,
		"expiresIn": tokens.ExpiresIn,
		"scope":     tokens.Scope,
	})

	redirectURL := h.frontendURL + "/#/callback?auth=success"
	h.emit(ctx, debugevents.TypeAuth, "frontend_redirect", sess.ID.String(), map[string]any{
		"direction":              "outbound",
		"from":                   "backend",
		"to":                     "frontend",
		"redirectUrl":            redirectURL,
		"tokensStoredServerSide": true,
		"expiresIn":              tokens.ExpiresIn,
	})

	h.logger.InfoContext(ctx, "authentication successful", "session_id", sess.ID)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// HandleMe returns the authenticated user's claims. Tokens stay server-side.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.loadSession(ctx, r)

	h.emit(ctx, debugevents.TypeAuth, "user_info_request", sessionIDOrEmpty(sess), map[string]any{
		"direction":  "inbound",
		"from":       "frontend",
		"to":         "backend",
		"path":       "/bff/auth/me",
		"hasSession": err == nil,
	})

	if err != nil {
		jsonResponse.WriteJSON(w, http.StatusUnauthorized, map[string]any{
			"authenticated": false,
			"error":         "No active session",
		})
		return
	}
	if !sess.Authenticated() {
		jsonResponse.WriteJSON(w, http.StatusUnauthorized, map[string]any{
			"authenticated": false,
			"error":         "No tokens in session",
		})
		return
	}

	claims, err := DecodeClaims(sess.Tokens.AccessToken)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to decode access token claims", "error", err)
		jsonResponse.WriteJSON(w, http.StatusInternalServerError, map[string]any{
			"authenticated": false,
			"error":         "Failed to decode token",
		})
		return
	}

	var expiresAt int64
	if sess.Tokens.ExpiresIn > 0 {
		expiresAt = sess.Tokens.ObtainedAt.Add(time.Duration(sess.Tokens.ExpiresIn) * time.Second).UnixMilli()
	}

	h.emit(ctx, debugevents.TypeAuth, "user_info_response", sess.ID.String(), map[string]any{
		"direction":     "outbound",
		"from":          "backend",
		"to":            "frontend",
		"authenticated": true,
		"userEmail":     claims.Email,
	})

	jsonResponse.WriteJSON(w, http.StatusOK, map[string]any{
		"authenticated":      true,
		"sub":                claims.Subject,
		"email":              claims.Email,
		"name":               claims.Name,
		"preferred_username": claims.PreferredUsername,
		"given_name":         claims.GivenName,
		"family_name":        claims.FamilyName,
		"expiresAt":          expiresAt,
	})
}

type tokenExchangeRequest struct {
	TargetTenantID string `json:"target_tenant_id"`
}

// HandleTokenExchange scopes the session to a tenant. The tenant-scoped token
// stays server-side; the frontend only learns that the exchange succeeded.
func (h *Handler) HandleTokenExchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req tokenExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonResponse.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON in request body"})
		return
	}

	sess, err := h.loadSession(ctx, r)
	h.emit(ctx, debugevents.TypeToken, "bff_token_exchange_request", sessionIDOrEmpty(sess), map[string]any{
		"direction":      "inbound",
		"from":           "frontend",
		"to":             "backend",
		"path":           "/bff/auth/token/exchange",
		"targetTenantId": req.TargetTenantID,
		"hasSession":     err == nil,
	})

	if err != nil {
		jsonResponse.WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "No active session"})
		return
	}
	if !sess.Authenticated() {
		jsonResponse.WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "No tokens in session"})
		return
	}

	tenantID, err := id.ParseTenantID(req.TargetTenantID)
	if err != nil {
		jsonResponse.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid target_tenant_id"})
		return
	}

	scoped, err := h.provider.ExchangeTenantToken(ctx, sess.Tokens.AccessToken, tenantID.String())
	if err != nil {
		h.logger.ErrorContext(ctx, "tenant token exchange failed", "error", err, "tenant_id", tenantID)
		jsonResponse.WriteJSON(w, http.StatusBadGateway, map[string]any{"error": "Token exchange failed"})
		return
	}
	if scoped != nil {
		sess.Tokens = scoped
	}
	sess.TenantID = tenantID
	if err := h.sessions.Update(ctx, sess); err != nil {
		h.logger.ErrorContext(ctx, "failed to store tenant scope", "error", err)
		jsonResponse.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "Failed to update session"})
		return
	}

	h.emit(ctx, debugevents.TypeToken, "bff_token_exchange_response", sess.ID.String(), map[string]any{
		"direction":      "outbound",
		"from":           "backend",
		"to":             "frontend",
		"success":        true,
		"targetTenantId": tenantID.String(),
	})

	jsonResponse.WriteJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"tenant_id":  tenantID.String(),
		"expires_in": sess.Tokens.ExpiresIn,
	})
}

// HandleSession reports session status for debugging. Always 200; the body
// says whether a session exists.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.loadSession(r.Context(), r)
	if err != nil {
		jsonResponse.WriteJSON(w, http.StatusOK, map[string]any{
			"authenticated": false,
			"message":       "No active session",
		})
		return
	}
	jsonResponse.WriteJSON(w, http.StatusOK, map[string]any{
		"authenticated": sess.Authenticated(),
		"sessionId":     sess.ID.String(),
		"createdAt":     sess.CreatedAt,
		"hasTokens":     sess.Tokens != nil,
	})
}

// HandleLogout revokes tokens, clears the session, and redirects the browser
// either through the provider's logout endpoint or straight to the frontend
// when there is nothing to log out of.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.loadSession(ctx, r)
	hasSession := err == nil

	h.emit(ctx, debugevents.TypeAuth, "logout_initiated", sessionIDOrEmpty(sess), map[string]any{
		"direction":  "inbound",
		"from":       "frontend",
		"to":         "backend",
		"hasSession": hasSession,
	})

	var idToken string
	if hasSession {
		if sess.Tokens != nil {
			idToken = sess.Tokens.IDToken
			if sess.Tokens.RefreshToken != "" {
				h.provider.Revoke(ctx, sess.Tokens.RefreshToken)
			}
		}
		sess.ClearTokens()
		sess.ClearPending()
		if err := h.sessions.Update(ctx, sess); err != nil {
			h.logger.WarnContext(ctx, "failed to clear session on logout", "error", err)
		}
		h.emit(ctx, debugevents.TypeAuth, "session_cleared", sess.ID.String(), nil)
	}

	if idToken == "" {
		h.emit(ctx, debugevents.TypeAuth, "logout_no_session", sessionIDOrEmpty(sess), map[string]any{
			"direction": "outbound",
			"from":      "backend",
			"to":        "frontend",
			"reason":    "No active session to logout",
		})
		http.Redirect(w, r, h.frontendURL+"/#/login", http.StatusFound)
		return
	}

	logoutURL := h.provider.LogoutURL(idToken, h.frontendURL+"/#/login")
	h.emit(ctx, debugevents.TypeAuth, "provider_logout_redirect", sess.ID.String(), map[string]any{
		"direction": "outbound",
		"from":      "backend",
		"to":        "identity-provider",
		"logoutUrl": logoutURL,
	})
	http.Redirect(w, r, logoutURL, http.StatusFound)
}

// failCallback records the failure and sends the browser back to the
// frontend's login route with an error query parameter.
func (h *Handler) failCallback(w http.ResponseWriter, r *http.Request, reason, errParam string) {
	if h.metrics != nil {
		h.metrics.CallbackFailures.WithLabelValues(reason).Inc()
	}
	h.auditLogin(r, audit.OutcomeDenied, reason, id.UserID{})
	http.Redirect(w, r, h.frontendURL+"/#/login?error="+url.QueryEscape(errParam), http.StatusFound)
}

// clearPending drops the CSRF state and verifier on a terminal callback
// outcome. Persistence is best-effort; a failed write only means the next
// callback re-fails.
func (h *Handler) clearPending(ctx context.Context, sess *session.Session) {
	sess.ClearPending()
	if err := h.sessions.Update(ctx, sess); err != nil {
		h.logger.WarnContext(ctx, "failed to clear pending auth artifacts", "error", err)
	}
}

// auditLogin records the login outcome. Denied records power the scorer's
// failed-attempts factor.
func (h *Handler) auditLogin(r *http.Request, outcome audit.Outcome, reason string, userID id.UserID) {
	if h.recorder == nil {
		return
	}
	var meta map[string]any
	if reason != "" {
		meta = map[string]any{"reason": reason}
	}
	h.recorder.Record(r.Context(), audit.Record{
		UserID:    userID,
		Action:    audit.ActionLogin,
		Outcome:   outcome,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		Metadata:  meta,
	})
}

// loginUserID best-effort maps the token's subject to a platform user id.
func loginUserID(accessToken string) id.UserID {
	claims, err := DecodeClaims(accessToken)
	if err != nil {
		return id.UserID{}
	}
	userID, err := id.ParseUserID(claims.Subject)
	if err != nil {
		return id.UserID{}
	}
	return userID
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) loadSession(ctx context.Context, r *http.Request) (*session.Session, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return nil, err
	}
	sess, err := h.sessions.FindByID(ctx, id.SessionID(cookie.Value))
	if err != nil {
		return nil, err
	}
	if sess.Expired(time.Now()) {
		return nil, http.ErrNoCookie
	}
	return sess, nil
}

// loadOrCreateSession reuses the cookie session when it still exists and
// starts a fresh one otherwise. The bool reports whether the session is new.
func (h *Handler) loadOrCreateSession(ctx context.Context, r *http.Request) (*session.Session, bool) {
	if sess, err := h.loadSession(ctx, r); err == nil {
		return sess, false
	}
	now := time.Now()
	return &session.Session{
		ID:        id.NewSessionID(),
		CreatedAt: now,
		ExpiresAt: now.Add(h.sessionTTL),
	}, true
}

func (h *Handler) persistSession(ctx context.Context, sess *session.Session, created bool) error {
	if created {
		return h.sessions.Create(ctx, sess)
	}
	return h.sessions.Update(ctx, sess)
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, sessionID id.SessionID) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID.String(),
		Path:     "/",
		MaxAge:   int(h.sessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) emit(ctx context.Context, t debugevents.EventType, action, sessionID string, details map[string]any) {
	if h.bus == nil {
		return
	}
	h.bus.Emit(ctx, debugevents.Event{
		Type:      t,
		Action:    action,
		SessionID: sessionID,
		Details:   details,
	})
}

func sessionIDOrEmpty(sess *session.Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID.String()
}

package httptransport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"anybank/internal/bff"
	"anybank/internal/gateway"
	"anybank/internal/policy"
	"anybank/internal/session"
	jsonResponse "anybank/internal/transport/http/json"
	"anybank/internal/transport/http/shared"
	id "anybank/pkg/domain"
	dErrors "anybank/pkg/domain-errors"
)

// APIHandler runs sensitive actions through the authorization gateway. Every
// request resolves the caller from the session cookie, never from a bearer
// token.
type APIHandler struct {
	sessions session.Store
	gw       *gateway.Gateway
	logger   *slog.Logger
}

// NewAPIHandler creates the guarded action surface.
func NewAPIHandler(sessions session.Store, gw *gateway.Gateway, logger *slog.Logger) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandler{sessions: sessions, gw: gw, logger: logger}
}

// Register mounts the action routes.
func (h *APIHandler) Register(r chi.Router) {
	r.Post("/api/actions/{action}", h.HandleAction)
}

type actionRequest struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
}

type actionResponse struct {
	Allowed   bool           `json:"allowed"`
	Action    string         `json:"action"`
	Reason    string         `json:"reason,omitempty"`
	RiskScore int            `json:"riskScore"`
	Factors   map[string]any `json:"factors,omitempty"`
}

// HandleAction authorizes one named action for the calling session. The body
// optionally narrows the target resource. Denials come back 403 with the
// synthesized reason; policy engine failures come back 503 (denied
// fail-closed but distinguishable).
func (h *APIHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	action := chi.URLParam(r, "action")

	sess, err := h.resolveSession(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	if sess.TenantID.IsZero() {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "No tenant selected; exchange a tenant token first"))
		return
	}

	claims, err := bff.DecodeClaims(sess.Tokens.AccessToken)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to decode session token", "error", err)
		shared.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "Invalid session token"))
		return
	}
	userID, err := id.ParseUserID(claims.Subject)
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "Unrecognized principal"))
		return
	}

	var req actionRequest
	if r.Body != nil {
		// Body is optional; ignore decode errors on an empty body.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	var resourceID id.ResourceID
	if req.ResourceID != "" {
		resourceID, err = id.ParseResourceID(req.ResourceID)
		if err != nil {
			shared.WriteError(w, err)
			return
		}
	}

	decision, err := h.gw.Authorize(ctx, gateway.Request{
		SessionID:    sess.ID.String(),
		UserID:       userID,
		Email:        claims.Email,
		TenantID:     sess.TenantID,
		Action:       action,
		ResourceType: req.ResourceType,
		ResourceID:   resourceID,
		Channel:      "web",
		IPAddress:    remoteIP(r),
		UserAgent:    r.UserAgent(),
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
	})

	resp := actionResponse{
		Allowed:   decision.Allowed,
		Action:    action,
		Reason:    decision.Reason,
		RiskScore: decision.RiskScore,
		Factors:   decision.Factors,
	}
	switch {
	case err == nil:
		jsonResponse.WriteJSON(w, http.StatusOK, resp)
	case dErrors.HasCode(err, dErrors.CodeForbidden):
		jsonResponse.WriteJSON(w, http.StatusForbidden, resp)
	case isEvaluationFailure(err):
		jsonResponse.WriteJSON(w, http.StatusServiceUnavailable, resp)
	default:
		jsonResponse.WriteJSON(w, http.StatusForbidden, resp)
	}
}

func (h *APIHandler) resolveSession(r *http.Request) (*session.Session, error) {
	cookie, err := r.Cookie(bff.SessionCookieName)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "No active session")
	}
	sess, err := h.sessions.FindByID(r.Context(), id.SessionID(cookie.Value))
	if err != nil {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "No active session")
	}
	if !sess.Authenticated() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "No tokens in session")
	}
	return sess, nil
}

func isEvaluationFailure(err error) bool {
	var evalErr *policy.EvaluationError
	return errors.As(err, &evalErr)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

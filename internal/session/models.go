package session

import (
	"time"

	id "anybank/pkg/domain"
)

// TokenSet holds the tokens issued by the identity provider. They live only
// server-side; the browser never sees them.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresIn    int       `json:"expires_in"`
	ObtainedAt   time.Time `json:"obtained_at"`
}

// Session is one browser session's OAuth state. The CSRF state and PKCE
// verifier exist only between login initiation and the callback's terminal
// outcome; tokens exist only after a successful exchange. A session is either
// pending (state+verifier set) or authenticated (tokens set), never
// ambiguously both.
type Session struct {
	ID        id.SessionID `json:"id"`
	State     string       `json:"state,omitempty"`
	Verifier  string       `json:"verifier,omitempty"`
	Tokens    *TokenSet    `json:"tokens,omitempty"`
	TenantID  id.TenantID  `json:"tenant_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// Authenticated reports whether the session holds tokens.
func (s *Session) Authenticated() bool {
	return s != nil && s.Tokens != nil && s.Tokens.AccessToken != ""
}

// ConsumeVerifier returns the PKCE verifier and clears it. The verifier is
// single-use: whoever reads it owns persisting the cleared session, whether
// or not the subsequent exchange succeeds.
func (s *Session) ConsumeVerifier() string {
	v := s.Verifier
	s.Verifier = ""
	return v
}

// ClearPending drops the CSRF state and verifier on any terminal callback
// outcome.
func (s *Session) ClearPending() {
	s.State = ""
	s.Verifier = ""
}

// ClearTokens drops all issued tokens and the tenant scope (logout).
func (s *Session) ClearTokens() {
	s.Tokens = nil
	s.TenantID = id.TenantID{}
}

// Expired reports whether the session has passed its expiry as of now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now)
}

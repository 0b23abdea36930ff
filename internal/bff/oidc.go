package bff

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"anybank/internal/debugevents"
	"anybank/internal/session"
)

// tokenExchangeGrant is the RFC 8693 grant type used for tenant-scoped
// exchanges.
const tokenExchangeGrant = "urn:ietf:params:oauth:grant-type:token-exchange"

// Provider talks to the OpenID Connect identity provider over the
// backchannel. Browser-facing URLs use the public base URL; server-to-server
// calls use the internal URL so the flow works inside a compose network.
type Provider struct {
	baseURL     string
	internalURL string
	realm       string
	clientID    string
	clientSecret string
	redirectURI string

	strictExchange bool

	httpClient *http.Client
	bus        *debugevents.Bus
	logger     *slog.Logger
}

// ProviderConfig carries the provider wiring.
type ProviderConfig struct {
	BaseURL        string
	InternalURL    string
	Realm          string
	ClientID       string
	ClientSecret   string
	RedirectURI    string
	StrictExchange bool
	HTTPTimeout    time.Duration
}

// ProviderOption configures the Provider.
type ProviderOption func(*Provider)

// WithProviderHTTPClient overrides the HTTP client used for backchannel calls.
func WithProviderHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.httpClient = c }
}

// WithProviderEventBus attaches the debug event bus.
func WithProviderEventBus(b *debugevents.Bus) ProviderOption {
	return func(p *Provider) { p.bus = b }
}

// WithProviderLogger sets the logger.
func WithProviderLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// NewProvider builds a Provider from config.
func NewProvider(cfg ProviderConfig, opts ...ProviderOption) *Provider {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	internal := cfg.InternalURL
	if internal == "" {
		internal = cfg.BaseURL
	}
	p := &Provider{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		internalURL:    strings.TrimRight(internal, "/"),
		realm:          cfg.Realm,
		clientID:       cfg.ClientID,
		clientSecret:   cfg.ClientSecret,
		redirectURI:    cfg.RedirectURI,
		strictExchange: cfg.StrictExchange,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) realmEndpoint(base, name string) string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/%s", base, p.realm, name)
}

// AuthorizationURL builds the browser redirect that starts the code flow.
func (p *Provider) AuthorizationURL(state, challenge string) string {
	q := url.Values{}
	q.Set("client_id", p.clientID)
	q.Set("redirect_uri", p.redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", "openid profile email")
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	return p.realmEndpoint(p.baseURL, "auth") + "?" + q.Encode()
}

// LogoutURL builds the provider's front-channel logout redirect.
func (p *Provider) LogoutURL(idToken, postLogoutRedirect string) string {
	q := url.Values{}
	q.Set("id_token_hint", idToken)
	q.Set("post_logout_redirect_uri", postLogoutRedirect)
	q.Set("client_id", p.clientID)
	return p.realmEndpoint(p.baseURL, "logout") + "?" + q.Encode()
}

// Exchange trades an authorization code (plus the PKCE verifier) for tokens.
func (p *Provider) Exchange(ctx context.Context, code, verifier string) (*session.TokenSet, error) {
	endpoint := p.realmEndpoint(p.internalURL, "token")
	start := time.Now()

	p.emit(ctx, debugevents.TypeToken, "token_exchange_request", map[string]any{
		"direction": "outbound",
		"from":      "backend",
		"to":        "identity-provider",
		"endpoint":  endpoint,
		"grantType": "authorization_code",
		"clientId":  p.clientID,
	})

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", p.clientID)
	if p.clientSecret != "" {
		form.Set("client_secret", p.clientSecret)
	}
	form.Set("code", code)
	form.Set("redirect_uri", p.redirectURI)
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}

	tokens, err := p.postTokenForm(ctx, endpoint, form)
	duration := time.Since(start)
	if err != nil {
		p.emit(ctx, debugevents.TypeError, "token_exchange_error", map[string]any{
			"direction": "inbound",
			"from":      "identity-provider",
			"to":        "backend",
			"error":     err.Error(),
			"duration":  duration.Milliseconds(),
		})
		return nil, err
	}

	p.emit(ctx, debugevents.TypeToken, "token_exchange_response", map[string]any{
		"direction": "inbound",
		"from":      "identity-provider",
		"to":        "backend",
		"success":   tokens.AccessToken != "",
		"duration":  duration.Milliseconds(),
		"tokenType": tokens.TokenType,
		"expiresIn": tokens.ExpiresIn,
		"scope":     tokens.Scope,
	})

	p.logger.InfoContext(ctx, "token exchange completed", "duration_ms", duration.Milliseconds())
	return tokens, nil
}

// ExchangeTenantToken trades the session's token for a tenant-scoped one via
// the RFC 8693 token-exchange grant. When the provider cannot serve the grant
// and strict mode is off, the exchange falls back to the original token: a nil
// token set tells the caller to keep what it has and only change the tenant
// scope. Strict mode surfaces the provider failure instead.
func (p *Provider) ExchangeTenantToken(ctx context.Context, accessToken, tenantID string) (*session.TokenSet, error) {
	endpoint := p.realmEndpoint(p.internalURL, "token")
	form := url.Values{}
	form.Set("grant_type", tokenExchangeGrant)
	form.Set("client_id", p.clientID)
	if p.clientSecret != "" {
		form.Set("client_secret", p.clientSecret)
	}
	form.Set("subject_token", accessToken)
	form.Set("subject_token_type", "urn:ietf:params:oauth:token-type:access_token")
	form.Set("audience", p.clientID)
	form.Set("scope", "openid tenant:"+tenantID)

	tokens, err := p.postTokenForm(ctx, endpoint, form)
	if err != nil {
		if p.strictExchange {
			return nil, err
		}
		p.logger.WarnContext(ctx, "tenant token exchange failed, keeping original token",
			"error", err,
			"tenant_id", tenantID,
		)
		p.emit(ctx, debugevents.TypeToken, "token_exchange_fallback", map[string]any{
			"direction": "inbound",
			"from":      "identity-provider",
			"to":        "backend",
			"grantType": tokenExchangeGrant,
			"fallback":  true,
		})
		return nil, nil
	}
	return tokens, nil
}

// Revoke revokes a token. Failures are logged and swallowed: revocation is
// best-effort during logout.
func (p *Provider) Revoke(ctx context.Context, token string) {
	endpoint := p.realmEndpoint(p.internalURL, "revoke")

	p.emit(ctx, debugevents.TypeToken, "token_revoke_request", map[string]any{
		"direction": "outbound",
		"from":      "backend",
		"to":        "identity-provider",
		"endpoint":  endpoint,
	})

	form := url.Values{}
	form.Set("client_id", p.clientID)
	if p.clientSecret != "" {
		form.Set("client_secret", p.clientSecret)
	}
	form.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err == nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		var resp *http.Response
		resp, err = p.httpClient.Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode >= 400 {
				err = fmt.Errorf("revoke endpoint returned %d", resp.StatusCode)
			}
		}
	}
	if err != nil {
		p.logger.WarnContext(ctx, "token revocation failed", "error", err)
		p.emit(ctx, debugevents.TypeError, "token_revoke_error", map[string]any{
			"error": err.Error(),
		})
		return
	}

	p.emit(ctx, debugevents.TypeToken, "token_revoke_response", map[string]any{
		"direction": "inbound",
		"from":      "identity-provider",
		"to":        "backend",
		"success":   true,
	})
}

func (p *Provider) postTokenForm(ctx context.Context, endpoint string, form url.Values) (*session.TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tokens session.TokenSet
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	tokens.ObtainedAt = time.Now()
	return &tokens, nil
}

func (p *Provider) emit(ctx context.Context, t debugevents.EventType, action string, details map[string]any) {
	if p.bus == nil {
		return
	}
	p.bus.Emit(ctx, debugevents.Event{Type: t, Action: action, Details: details})
}

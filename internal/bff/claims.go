package bff

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of identity token claims surfaced to the frontend.
// Tokens themselves never leave the backend; only these fields do.
type Claims struct {
	Subject           string `json:"sub"`
	Email             string `json:"email,omitempty"`
	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
}

// DecodeClaims extracts claims from a provider-issued JWT without verifying
// the signature. The token was obtained directly from the provider over the
// backchannel, so possession is the trust anchor here, not the signature.
func DecodeClaims(token string) (*Claims, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("decode token claims: %w", err)
	}

	str := func(key string) string {
		if v, ok := claims[key].(string); ok {
			return v
		}
		return ""
	}
	return &Claims{
		Subject:           str("sub"),
		Email:             str("email"),
		Name:              str("name"),
		PreferredUsername: str("preferred_username"),
		GivenName:         str("given_name"),
		FamilyName:        str("family_name"),
	}, nil
}

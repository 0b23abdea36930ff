// Package domain provides type-safe identifiers to prevent mixing up IDs at compile time.
package domain

import (
	"github.com/google/uuid"

	dErrors "anybank/pkg/domain-errors"
)

// Distinct ID types - compiler prevents passing UserID where TenantID is expected.
type (
	UserID     uuid.UUID
	TenantID   uuid.UUID
	ResourceID uuid.UUID
)

// SessionID is the opaque browser-session identifier managed by the BFF
// cookie. It is deliberately not a UUID type: the value is whatever the
// session store handed out and must be treated as an opaque token.
type SessionID string

// Parse functions - use at trust boundaries (handlers, API inputs).

func ParseUserID(s string) (UserID, error) {
	id, err := parseUUID(s, "user ID")
	return UserID(id), err
}

func ParseTenantID(s string) (TenantID, error) {
	id, err := parseUUID(s, "tenant ID")
	return TenantID(id), err
}

func ParseResourceID(s string) (ResourceID, error) {
	id, err := parseUUID(s, "resource ID")
	return ResourceID(id), err
}

func parseUUID(s, label string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label)
	}
	return id, nil
}

// String methods - for logging and debugging.

func (id UserID) String() string     { return uuid.UUID(id).String() }
func (id TenantID) String() string   { return uuid.UUID(id).String() }
func (id ResourceID) String() string { return uuid.UUID(id).String() }
func (id SessionID) String() string  { return string(id) }

// MarshalText/UnmarshalText render the IDs as canonical UUID strings in JSON
// payloads; without them the underlying byte array would leak into the wire.

func (id UserID) MarshalText() ([]byte, error)     { return []byte(id.String()), nil }
func (id TenantID) MarshalText() ([]byte, error)   { return []byte(id.String()), nil }
func (id ResourceID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *UserID) UnmarshalText(b []byte) error {
	parsed, err := ParseUserID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *TenantID) UnmarshalText(b []byte) error {
	parsed, err := ParseTenantID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *ResourceID) UnmarshalText(b []byte) error {
	parsed, err := ParseResourceID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// IsZero reports whether the ID is unset.

func (id UserID) IsZero() bool     { return uuid.UUID(id) == uuid.Nil }
func (id TenantID) IsZero() bool   { return uuid.UUID(id) == uuid.Nil }
func (id ResourceID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }
func (id SessionID) IsZero() bool  { return id == "" }

// NewUserID generates a random user ID.
func NewUserID() UserID { return UserID(uuid.New()) }

// NewTenantID generates a random tenant ID.
func NewTenantID() TenantID { return TenantID(uuid.New()) }

// NewSessionID generates a fresh opaque session identifier.
func NewSessionID() SessionID { return SessionID(uuid.New().String()) }

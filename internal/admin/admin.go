// Package admin issues the capability that gates administrative engine
// operations. Engines never inspect caller identity; they only check that a
// non-zero Capability was handed to them.
package admin

import (
	"crypto/subtle"

	"github.com/google/uuid"

	"github.com/atmx/fund-engine/internal/apperrors"
)

// HeaderKey is the HTTP header carrying the administrator key.
const HeaderKey = "X-Admin-Key"

var (
	// ErrNotAuthorized is returned when an admin operation receives no
	// valid capability.
	ErrNotAuthorized = apperrors.New(apperrors.Unauthorized, "admin: not authorized")

	// ErrNotConfigured is returned when no administrator key is set.
	ErrNotConfigured = apperrors.New(apperrors.Unauthorized, "admin: key not configured")
)

// Capability proves that the holder passed admin verification.
// The zero value grants nothing.
type Capability struct {
	session uuid.UUID
}

// Session identifies the verification that produced the capability. It is
// recorded on admin events.
func (c Capability) Session() string {
	return c.session.String()
}

// Check fails with ErrNotAuthorized for the zero capability.
func (c Capability) Check() error {
	if c.session == uuid.Nil {
		return ErrNotAuthorized
	}
	return nil
}

// Authority verifies administrator keys.
type Authority struct {
	key string
}

// NewAuthority creates an authority for the given key. An empty key
// disables every admin operation.
func NewAuthority(key string) *Authority {
	return &Authority{key: key}
}

// Verify exchanges a key for a capability.
func (a *Authority) Verify(key string) (Capability, error) {
	if a == nil || a.key == "" {
		return Capability{}, ErrNotConfigured
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(a.key)) != 1 {
		return Capability{}, ErrNotAuthorized
	}
	return Capability{session: uuid.New()}, nil
}

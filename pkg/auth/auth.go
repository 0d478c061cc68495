// Package auth defines how bearer tokens become identities.  The gateway and
// the WebSocket handshake only depend on the Authenticator interface; the JWT
// implementation in this package is the default used by the server binary.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrMissingToken        = errors.New("missing token")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenInvalid        = errors.New("token invalid")
	ErrTokenMalformed      = errors.New("token malformed")
	ErrClientNotRegistered = errors.New("client not registered")
	ErrSessionExpired      = errors.New("session expired")
	ErrInsufficientScope   = errors.New("insufficient permissions")
)

// Method names how an identity was authenticated.
type Method string

const (
	MethodJWT    Method = "jwt"
	MethodStatic Method = "static"
)

// Identity is an authenticated caller.
type Identity struct {
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Method    Method    `json:"method"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Authenticator turns a token into an Identity.  Errors should wrap one of the
// sentinel errors in this package so callers can map them to response codes.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// AuthenticatorFunc adapts a function to an Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (*Identity, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (*Identity, error) {
	return f(ctx, token)
}

// Static authenticates a fixed set of opaque tokens.  It is useful for local
// development and tests.
type Static map[string]Identity

func (s Static) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	id, ok := s[token]
	if !ok {
		return nil, ErrTokenInvalid
	}
	if id.Method == "" {
		id.Method = MethodStatic
	}
	return &id, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
)

const DefaultTokenTTL = 24 * time.Hour

// Claims are the claims carried by server tokens.  The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// JWTOpts configures a JWTAuthenticator.
type JWTOpts struct {
	Secret []byte
	Issuer string
	// Clients, if set, lists the client ids which may present tokens.
	Clients []string
	Clock   clockwork.Clock
}

// JWTAuthenticator validates HS256 tokens signed with a shared secret.
type JWTAuthenticator struct {
	secret  []byte
	issuer  string
	clients map[string]struct{}
	clock   clockwork.Clock
}

func NewJWTAuthenticator(opts JWTOpts) (*JWTAuthenticator, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	a := &JWTAuthenticator{
		secret: opts.Secret,
		issuer: opts.Issuer,
		clock:  opts.Clock,
	}
	if len(opts.Clients) > 0 {
		a.clients = make(map[string]struct{}, len(opts.Clients))
		for _, c := range opts.Clients {
			a.clients[c] = struct{}{}
		}
	}
	return a, nil
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock.Now),
	}
	if a.issuer != "" {
		popts = append(popts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, popts...)
	if err != nil {
		return nil, classify(err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if a.clients != nil {
		if _, ok := a.clients[claims.ClientID]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrClientNotRegistered, claims.ClientID)
		}
	}

	id := &Identity{
		UserID:   claims.Subject,
		TenantID: claims.TenantID,
		ClientID: claims.ClientID,
		Method:   MethodJWT,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	default:
		return fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
}

// TokenOpts describes a token to mint.
type TokenOpts struct {
	UserID   string
	TenantID string
	ClientID string
	TTL      time.Duration
}

// NewToken signs a token which this package's authenticator accepts.
func NewToken(secret []byte, issuer string, now time.Time, o TokenOpts) (string, error) {
	if o.UserID == "" {
		return "", errors.New("user id is required")
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTokenTTL
	}
	jti, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("could not generate token id: %w", err)
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   o.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(o.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti.String(),
		},
		TenantID: o.TenantID,
		ClientID: o.ClientID,
	})
	signed, err := t.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("could not sign token: %w", err)
	}
	return signed, nil
}

// Package auth resolves bearer tokens to the caller's identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthorized = errors.New("auth: missing or invalid token")
	ErrForbidden    = errors.New("auth: role not allowed")
)

type Role string

const (
	RoleUser     Role = "user"
	RoleRider    Role = "rider"
	RoleOperator Role = "operator"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleRider, RoleOperator:
		return true
	}
	return false
}

// Identity is who is calling: a user, a rider or an operator.
type Identity struct {
	Subject string
	Role    Role
}

type Claims struct {
	Role Role `json:"role"`
	jwtlib.RegisteredClaims
}

var _ jwtlib.Claims = (*Claims)(nil)

// Manager signs and verifies HS256 tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	s := strings.TrimSpace(secret)
	if s == "" {
		return nil, errors.New("auth: empty signing secret")
	}
	return &Manager{secret: []byte(s), ttl: ttl}, nil
}

func (m *Manager) Issue(subject string, role Role) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("auth: invalid role %q", role)
	}
	now := time.Now().UTC()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *Manager) Parse(token string) (Identity, error) {
	parser := jwtlib.NewParser(jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	tok, err := parser.ParseWithClaims(token, claims, func(*jwtlib.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil || !tok.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return Identity{}, fmt.Errorf("%w: incomplete claims", ErrUnauthorized)
	}
	return Identity{Subject: claims.Subject, Role: claims.Role}, nil
}

// FromRequest reads "Authorization: Bearer <token>", falling back to the
// access_token query parameter used by websocket clients.
func (m *Manager) FromRequest(r *http.Request) (Identity, error) {
	raw := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw = strings.TrimPrefix(h, "Bearer ")
	} else {
		raw = r.URL.Query().Get("access_token")
	}
	if raw == "" {
		return Identity{}, ErrUnauthorized
	}
	return m.Parse(raw)
}

// Require checks the identity holds one of the allowed roles.
func (id Identity) Require(allowed ...Role) error {
	if slices.Contains(allowed, id.Role) {
		return nil
	}
	return ErrForbidden
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Package auth implements the broker's identity gate. A bearer credential
// presented at connection time is verified as an HS256 JWT and resolved to
// a stable identity through an IdentityStore. The identity is attached to
// the connection for the lifetime of that transport session and never
// re-validated mid-session; revoking a credential does not disconnect an
// already-authenticated session.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthenticated is returned for a missing, malformed, or expired token.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrIdentityNotFound is returned when the token is valid but the
	// referenced identity no longer exists or is disabled.
	ErrIdentityNotFound = errors.New("identity not found")
)

// Identity is the authenticated principal attached to a connection.
type Identity struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	OrgID string `json:"orgId,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Claims is the JWT claim set carried by a connection credential.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	OrgID  string `json:"org_id,omitempty"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// IdentityStore resolves a user id to a live identity. Implementations are
// expected to return ErrIdentityNotFound for deleted or disabled users.
type IdentityStore interface {
	Lookup(ctx context.Context, id string) (*Identity, error)
}

// IdentityStoreFunc adapts a function to the IdentityStore interface.
type IdentityStoreFunc func(ctx context.Context, id string) (*Identity, error)

// Lookup calls f.
func (f IdentityStoreFunc) Lookup(ctx context.Context, id string) (*Identity, error) {
	return f(ctx, id)
}

// Verifier validates bearer credentials and resolves identities.
type Verifier struct {
	secret []byte
	issuer string
	store  IdentityStore
}

// NewVerifier creates a Verifier. If store is nil, identities are built
// from the token claims alone; the credential issuer is then trusted to
// embed current role and organization data.
func NewVerifier(secret, issuer string, store IdentityStore) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		issuer: issuer,
		store:  store,
	}
}

// Verify validates a bearer token and resolves it to an identity.
// A "Bearer " prefix is tolerated so the raw Authorization header value can
// be passed in.
func (v *Verifier) Verify(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return nil, ErrUnauthenticated
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnauthenticated
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid || claims.UserID == "" {
		return nil, ErrUnauthenticated
	}

	if v.store == nil {
		return &Identity{
			ID:    claims.UserID,
			Role:  claims.Role,
			OrgID: claims.OrgID,
			Name:  claims.Name,
			Email: claims.Email,
		}, nil
	}

	ident, err := v.store.Lookup(ctx, claims.UserID)
	if err != nil || ident == nil {
		return nil, ErrIdentityNotFound
	}
	return ident, nil
}

// IssueToken creates a signed credential for an identity. Used by internal
// services and tests; production credentials come from the platform's auth
// service with the same claim shape.
func (v *Verifier) IssueToken(ident *Identity, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID: ident.ID,
		Email:  ident.Email,
		Role:   ident.Role,
		OrgID:  ident.OrgID,
		Name:   ident.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    v.issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Package identity resolves the caller's identity from upstream
// credentials. Resolution happens server-side only; a client-supplied
// identity is never trusted.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoIdentity = errors.New("identity could not be resolved")

// Identity is the minimal profile the collab core needs: enough for
// presence display, nothing sensitive.
type Identity struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Provider resolves request credentials to an identity. A nil-identity
// result is expressed as ErrNoIdentity, never a partial identity.
type Provider interface {
	Resolve(ctx context.Context, credentials string) (Identity, error)
}

type claims struct {
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider verifies HMAC-signed identity tokens issued by the upstream
// auth service.
type JWTProvider struct {
	secret []byte
}

func NewJWTProvider(secret []byte) *JWTProvider {
	return &JWTProvider{secret: secret}
}

func (p *JWTProvider) Resolve(_ context.Context, credentials string) (Identity, error) {
	if credentials == "" {
		return Identity{}, ErrNoIdentity
	}
	var c claims
	token, err := jwt.ParseWithClaims(credentials, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}
	if c.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token missing subject", ErrNoIdentity)
	}
	return Identity{
		UserID:    c.Subject,
		Name:      c.Name,
		Email:     c.Email,
		AvatarURL: c.AvatarURL,
	}, nil
}

// IssueToken mints an identity token. The relay self-issues one for its
// hosted sessions and the dev loop uses it for test users; everyone else
// gets theirs from the upstream auth service.
func IssueToken(secret []byte, id Identity, expiresAt jwt.NumericDate) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name:      id.Name,
		Email:     id.Email,
		AvatarURL: id.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ExpiresAt: &expiresAt,
		},
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign identity token: %w", err)
	}
	return signed, nil
}

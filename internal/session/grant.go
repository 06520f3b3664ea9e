package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidGrant = errors.New("invalid grant")
	ErrExpiredGrant = errors.New("expired grant")
)

// Grant binds one admitted connection: (user, document, connection nonce).
// It lives only as long as the connection and is never stored.
type Grant struct {
	UserID     string `json:"sub"`
	DocumentID string `json:"doc"`
	Channel    string `json:"chan"`
	Nonce      string `json:"nonce"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	AvatarURL  string `json:"avatarUrl,omitempty"`
	Exp        int64  `json:"exp"`
}

// SignGrant returns the compact signed form: base64(payload).signature.
func SignGrant(secret []byte, grant Grant) (string, error) {
	payloadBytes, err := json.Marshal(grant)
	if err != nil {
		return "", fmt.Errorf("marshal grant: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + sign(secret, payload), nil
}

// VerifyGrant checks the signature and expiry and returns the grant.
func VerifyGrant(secret []byte, token string) (Grant, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Grant{}, ErrInvalidGrant
	}
	payload := parts[0]
	signature := parts[1]

	expected := sign(secret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return Grant{}, ErrInvalidGrant
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Grant{}, ErrInvalidGrant
	}

	var grant Grant
	if err := json.Unmarshal(decoded, &grant); err != nil {
		return Grant{}, ErrInvalidGrant
	}
	if grant.UserID == "" || grant.DocumentID == "" || grant.Nonce == "" || grant.Exp == 0 {
		return Grant{}, ErrInvalidGrant
	}
	if time.Now().Unix() >= grant.Exp {
		return Grant{}, ErrExpiredGrant
	}
	return grant, nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}

package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a random hex identifier, optionally namespaced by prefix.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewNonce returns a connection nonce for a single transport connection.
func NewNonce() string {
	return uuid.NewString()
}

// NewReplicaID returns the identifier stamped on every edit a replica makes.
func NewReplicaID() string {
	return uuid.NewString()
}

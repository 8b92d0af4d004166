// Package idgen provides ID generation for entities across the marketplace.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New generates a random UUID.
func New() string {
	return uuid.New().String()
}

// WithPrefix generates a prefixed entity ID (e.g. "job_", "neg_", "pay_")
// followed by a UUID, so every row ID is globally unique without a
// central sequence.
func WithPrefix(prefix string) string {
	return prefix + uuid.New().String()
}

// Hex generates a random hex string of the given byte length, used for
// values that aren't entity IDs (e.g. HTTP request IDs).
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

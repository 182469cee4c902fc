// Package idgen generates identifiers for connections, assessments and requests.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a random RFC 4122 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 random hex characters,
// e.g. "conn_1f3a...", "ra_9bc0...".
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns numBytes of crypto/rand output hex-encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

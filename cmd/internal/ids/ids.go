// Package ids provides the ID primitives used across the sync engine.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ProvisionalPrefix marks message ids minted locally for optimistic sends.
// The gateway replaces them with its own id on confirmation.
const ProvisionalPrefix = "local-"

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable and work well in logs and snapshots.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewProvisionalID returns a message id for an optimistic local send.
func NewProvisionalID() string {
	return ProvisionalPrefix + uuid.NewString()
}

// IsProvisional reports whether id was minted by NewProvisionalID.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// NewRandomHex returns a cryptographically secure random hex string of
// length 2*nBytes. If nBytes <= 0, it defaults to 16 bytes (32 hex chars).
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		// In the extremely rare case rand fails, return an empty string.
		// Callers should treat empty as an error-like condition in logs/tests.
		return ""
	}

	return hex.EncodeToString(b)
}

// Package idgen generates identifiers for accounts, requests, entries and
// anomalies.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a time-ordered (v7) UUID without
// dashes, e.g. "req_0192f1c3a7b27c0e8f4d2b6a9e1c3d5f". IDs with the same
// prefix sort roughly by creation time.
func WithPrefix(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}

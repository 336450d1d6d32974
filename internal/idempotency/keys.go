package idempotency

import (
	"regexp"

	"github.com/google/uuid"
)

// MaxKeyLength bounds caller-supplied idempotency keys.
const MaxKeyLength = 256

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// GenerateKey produces a fresh unique idempotency key, optionally namespaced
// with a prefix.
func GenerateKey(prefix string) string {
	key := uuid.New().String()
	if prefix != "" {
		return prefix + "_" + key
	}
	return key
}

// IsValidKey reports whether a caller-supplied key is acceptable: non-empty,
// at most MaxKeyLength characters, and containing only [A-Za-z0-9_-].
func IsValidKey(key string) bool {
	if key == "" || len(key) > MaxKeyLength {
		return false
	}
	return keyPattern.MatchString(key)
}

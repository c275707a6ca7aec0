package bifrost

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// fingerprintLength is the number of hex characters kept from the digest.
const fingerprintLength = 16

const handleBytes = 32

// Fingerprint returns a stable, one-way identifier for a session handle.
// It keys rate-limit buckets and audit rows so raw handles never leave the
// session store.
func Fingerprint(handle string) string {
	sum := sha256.Sum256([]byte(handle))
	return hex.EncodeToString(sum[:])[:fingerprintLength]
}

// newHandle generates a session handle with 256 bits of entropy.
func newHandle() (string, error) {
	b := make([]byte, handleBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("bifrost: failed to generate handle: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ValidateHandle checks that handle looks like a generated session handle.
func ValidateHandle(handle string) error {
	if len(handle) != handleBytes*2 {
		return ErrInvalidHandle
	}
	if _, err := hex.DecodeString(handle); err != nil {
		return ErrInvalidHandle
	}
	return nil
}

// Package idempotency derives the keys the remote collector uses to
// deduplicate retried deliveries of the same logical event.
package idempotency

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// keyPrefix marks the derivation scheme so key provenance stays visible in
// collector logs and a future scheme can rotate the prefix.
const keyPrefix = "ik1-"

// truncatedLen is the number of MAC bytes kept in the key.
const truncatedLen = 16

// Derive returns a deterministic idempotency key for a business event.
// The same (secret, eventType, stableEventID) always yields the same key,
// so re-enqueueing the same logical event after an app restart collides
// safely at the collector instead of producing a duplicate. The secret is
// per-install, so two installs never derive the same key.
func Derive(secret []byte, eventType, stableEventID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(eventType))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(stableEventID))
	sum := mac.Sum(nil)
	return keyPrefix + hex.EncodeToString(sum[:truncatedLen])
}

// Random returns a fresh unique key for events without a stable identifier,
// and is the fallback when no install secret is available.
func Random() string {
	return uuid.New().String()
}

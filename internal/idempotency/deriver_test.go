package idempotency

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDerive_Deterministic(t *testing.T) {
	secret := []byte("per-install-secret")

	first := Derive(secret, "SCAN", "order-1")
	second := Derive(secret, "SCAN", "order-1")

	assert.Equal(t, first, second)
}

func TestDerive_DistinctInputsDistinctKeys(t *testing.T) {
	secret := []byte("per-install-secret")
	base := Derive(secret, "SCAN", "order-1")

	assert.NotEqual(t, base, Derive(secret, "SCAN", "order-2"))
	assert.NotEqual(t, base, Derive(secret, "REFUND", "order-1"))
	assert.NotEqual(t, base, Derive([]byte("other-install"), "SCAN", "order-1"))
}

func TestDerive_FieldBoundary(t *testing.T) {
	// The separator must keep (type, id) pairs from colliding when their
	// concatenations match.
	secret := []byte("s")
	assert.NotEqual(t, Derive(secret, "AB", "C"), Derive(secret, "A", "BC"))
}

func TestDerive_KeyShape(t *testing.T) {
	key := Derive([]byte("s"), "SCAN", "order-1")

	assert.True(t, strings.HasPrefix(key, "ik1-"))
	assert.Len(t, key, len("ik1-")+32)
}

func TestRandom_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key := Random()
		assert.False(t, seen[key], "duplicate random key %s", key)
		seen[key] = true
	}
}

package domain

import "time"

// OverflowStrategy controls what happens when an enqueue would exceed the
// configured storage quotas.
type OverflowStrategy string

// Overflow strategies.
const (
	OverflowBlock      OverflowStrategy = "block"
	OverflowDropNewest OverflowStrategy = "drop_newest"
	OverflowDropOldest OverflowStrategy = "drop_oldest"
)

// QueuePolicy bundles the guardrail settings the queue store enforces on
// every enqueue.
type QueuePolicy struct {
	MaxEventPayloadBytes int64
	MaxActiveEvents      int
	MaxActiveBytes       int64
	Overflow             OverflowStrategy

	// DenylistedKeys are JSON key tokens that must not appear in plaintext
	// payloads unless AllowRawPayload is set. The scan is a case-insensitive
	// substring heuristic, not a JSON parse.
	DenylistedKeys  []string
	AllowRawPayload bool

	// DeterministicKeys enables HMAC-derived idempotency keys for events
	// that carry a stable business identifier.
	DeterministicKeys bool

	// EncryptPayloads is forwarded to the payload codec.
	EncryptPayloads bool

	MaxAttemptsPerEvent int
}

// RetentionPolicy controls how long terminal rows are kept before purge.
type RetentionPolicy struct {
	SentMaxAge   time.Duration
	FailedMaxAge time.Duration
}

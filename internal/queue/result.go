package queue

import "fmt"

// RejectionReason classifies why an enqueue was refused.
type RejectionReason string

// Rejection reasons.
const (
	RejectPayloadTooLarge      RejectionReason = "payload_too_large"
	RejectDenylistedKey        RejectionReason = "denylisted_key"
	RejectQueueFull            RejectionReason = "queue_full"
	RejectDuplicateIdempotency RejectionReason = "duplicate_idempotency"
	RejectUnknown              RejectionReason = "unknown"
)

// Rejection carries the reason an enqueue was refused plus reason-specific
// detail. Only the fields relevant to the reason are set.
type Rejection struct {
	Reason RejectionReason

	// PayloadTooLarge detail.
	PayloadBytes    int64
	MaxPayloadBytes int64

	// DenylistedKey detail: the offending key token.
	Key string

	// QueueFull / Unknown detail.
	Detail string
}

func (r *Rejection) String() string {
	switch r.Reason {
	case RejectPayloadTooLarge:
		return fmt.Sprintf("payload too large: %d bytes, max %d", r.PayloadBytes, r.MaxPayloadBytes)
	case RejectDenylistedKey:
		return fmt.Sprintf("denylisted key %q in payload", r.Key)
	case RejectQueueFull:
		return fmt.Sprintf("queue full: %s", r.Detail)
	case RejectDuplicateIdempotency:
		return "duplicate idempotency key"
	default:
		return fmt.Sprintf("enqueue rejected: %s", r.Detail)
	}
}

// EnqueueResult reports the outcome of one enqueue call. Rejection is nil
// when the event was accepted.
type EnqueueResult struct {
	EventID        string
	IdempotencyKey string

	// DroppedOldest is the number of events evicted to make room under
	// the drop-oldest overflow strategy.
	DroppedOldest int

	Rejection *Rejection
}

// Accepted reports whether the event was persisted.
func (r EnqueueResult) Accepted() bool {
	return r.Rejection == nil
}

func rejected(rej Rejection) EnqueueResult {
	return EnqueueResult{Rejection: &rej}
}

package domain

import "math"

// EventState represents the delivery lifecycle state of a queued event.
type EventState string

// Event states.
const (
	StatePending     EventState = "pending"
	StateSending     EventState = "sending"
	StateSent        EventState = "sent"
	StateFailed      EventState = "failed"
	StateQuarantined EventState = "quarantined"
)

// Terminal reports whether the state can never transition again
// (retention purge aside).
func (s EventState) Terminal() bool {
	return s == StateSent || s == StateQuarantined
}

// NeverAttempt is the NextAttemptAt sentinel for events that must never
// become eligible again.
const NeverAttempt int64 = math.MaxInt64

// QueueEvent is the unit of delivery persisted by the queue store.
//
// Payload holds encoded (possibly encrypted) bytes; PayloadBytes is the
// plaintext size captured before encoding so quota accounting is
// codec-independent. Timestamps are milliseconds since epoch.
type QueueEvent struct {
	ID               string
	IdempotencyKey   string
	Type             string
	Payload          []byte
	Encoding         string
	PayloadBytes     int64
	CreatedAt        int64
	State            EventState
	Attempts         int
	NextAttemptAt    int64
	PermanentFailure bool
	LastError        string
	QuarantineReason string
	UpdatedAt        int64
}

// Active reports whether the event still counts against storage quotas.
// Sent events are delivered and quarantined events are bounded by
// retention, so neither is charged against the active quota.
func (e *QueueEvent) Active() bool {
	return e.State == StatePending || e.State == StateSending || e.State == StateFailed
}

// QuarantineSummary is a metadata-only projection of a quarantined event.
// It deliberately excludes payload bytes.
type QuarantineSummary struct {
	ID               string
	IdempotencyKey   string
	Type             string
	Attempts         int
	LastError        string
	QuarantineReason string
	CreatedAt        int64
	UpdatedAt        int64
}

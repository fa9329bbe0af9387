// Package queue owns the persisted event lifecycle: enqueue guardrails,
// storage quotas, batch eligibility and state transitions.
package queue

import (
	"context"

	"github.com/pzverkov/kioskops-relay/internal/domain"
)

// ActiveStats is the quota accounting snapshot over rows in states
// pending, sending or failed.
type ActiveStats struct {
	Count int
	Bytes int64
}

// EvictionCandidate identifies an event considered for overflow eviction.
type EvictionCandidate struct {
	ID           string
	PayloadBytes int64
}

// MarkFailedParams describes a failure transition. Attempts is the new
// absolute attempt count so repeated calls with the same arguments are
// idempotent. Permanent quarantines the event irreversibly.
type MarkFailedParams struct {
	Attempts         int
	LastError        string
	QuarantineReason string
	NextAttemptAt    int64
	Permanent        bool
}

// Repository defines the interface for queue event data access.
type Repository interface {
	// InsertEvent persists a new row. Returns ErrDuplicateIdempotencyKey
	// when the idempotency key already exists in any state.
	InsertEvent(ctx context.Context, event *domain.QueueEvent) error

	GetEvent(ctx context.Context, id string) (*domain.QueueEvent, error)

	// ActiveStats returns the current quota accounting snapshot.
	ActiveStats(ctx context.Context) (ActiveStats, error)

	// OldestActive lists eviction candidates: non-quarantined active rows,
	// oldest first.
	OldestActive(ctx context.Context, limit int) ([]EvictionCandidate, error)

	DeleteEvents(ctx context.Context, ids []string) (int64, error)

	// FetchEligible returns pending and failed rows whose next attempt is
	// due, ordered by creation time ascending.
	FetchEligible(ctx context.Context, nowMs int64, limit int) ([]*domain.QueueEvent, error)

	MarkSending(ctx context.Context, id string, nowMs int64) error
	MarkSent(ctx context.Context, id string, nowMs int64) error
	MarkFailed(ctx context.Context, id string, params MarkFailedParams, nowMs int64) error

	CountActive(ctx context.Context) (int, error)
	StateCounts(ctx context.Context) (map[domain.EventState]int64, error)
	QuarantinedSummaries(ctx context.Context, limit int) ([]domain.QuarantineSummary, error)

	DeleteSentBefore(ctx context.Context, cutoffMs int64) (int64, error)
	DeleteFailedBefore(ctx context.Context, cutoffMs int64) (int64, error)

	// ReleaseStuckSending demotes sending rows untouched since the cutoff
	// back to failed with immediate eligibility. Attempts are unchanged
	// because no transport outcome was observed for them.
	ReleaseStuckSending(ctx context.Context, cutoffMs int64, nowMs int64) (int64, error)
}

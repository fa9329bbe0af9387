package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/pzverkov/kioskops-relay/internal/domain"
	"github.com/pzverkov/kioskops-relay/internal/queue"
)

const eventColumns = `id, idempotency_key, event_type, payload, encoding, payload_bytes,
	created_at, state, attempts, next_attempt_at, permanent_failure,
	last_error, quarantine_reason, updated_at`

// Repository implements queue.Repository over a SQLite database.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a Repository over an opened database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertEvent persists a new event row.
func (r *Repository) InsertEvent(ctx context.Context, event *domain.QueueEvent) error {
	query := `
		INSERT INTO queue_events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.IdempotencyKey,
		event.Type,
		event.Payload,
		event.Encoding,
		event.PayloadBytes,
		event.CreatedAt,
		string(event.State),
		event.Attempts,
		event.NextAttemptAt,
		boolToInt(event.PermanentFailure),
		event.LastError,
		event.QuarantineReason,
		event.UpdatedAt,
	)
	if err := mapInsertError(err); err != nil {
		if errors.Is(err, queue.ErrDuplicateIdempotencyKey) {
			return err
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvent retrieves an event by id.
func (r *Repository) GetEvent(ctx context.Context, id string) (*domain.QueueEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM queue_events WHERE id = ?`
	event, err := scanEvent(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrEventNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return event, nil
}

// ActiveStats returns the count and plaintext byte total of rows in states
// pending, sending or failed.
func (r *Repository) ActiveStats(ctx context.Context) (queue.ActiveStats, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(payload_bytes), 0)
		FROM queue_events
		WHERE state IN ('pending', 'sending', 'failed')
	`
	var stats queue.ActiveStats
	if err := r.db.QueryRowContext(ctx, query).Scan(&stats.Count, &stats.Bytes); err != nil {
		return stats, fmt.Errorf("active stats: %w", err)
	}
	return stats, nil
}

// OldestActive lists non-quarantined active rows, oldest first.
func (r *Repository) OldestActive(ctx context.Context, limit int) ([]queue.EvictionCandidate, error) {
	query := `
		SELECT id, payload_bytes
		FROM queue_events
		WHERE state IN ('pending', 'sending', 'failed') AND permanent_failure = 0
		ORDER BY created_at ASC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("oldest active: %w", err)
	}
	defer rows.Close()

	candidates := make([]queue.EvictionCandidate, 0, limit)
	for rows.Next() {
		var c queue.EvictionCandidate
		if err := rows.Scan(&c.ID, &c.PayloadBytes); err != nil {
			return nil, fmt.Errorf("scan eviction candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// DeleteEvents removes the given rows and returns how many were deleted.
func (r *Repository) DeleteEvents(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?, ", len(ids)-1) + "?"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := r.db.ExecContext(ctx, `DELETE FROM queue_events WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return result.RowsAffected()
}

// FetchEligible returns batch-eligible rows ordered by creation time.
func (r *Repository) FetchEligible(ctx context.Context, nowMs int64, limit int) ([]*domain.QueueEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM queue_events
		WHERE state IN ('pending', 'failed')
		  AND permanent_failure = 0
		  AND next_attempt_at <= ?
		ORDER BY created_at ASC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch eligible: %w", err)
	}
	defer rows.Close()

	events := make([]*domain.QueueEvent, 0, limit)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// MarkSending transitions a row to the sending state. Quarantined rows keep
// their state.
func (r *Repository) MarkSending(ctx context.Context, id string, nowMs int64) error {
	return r.updateOne(ctx, `
		UPDATE queue_events
		SET state      = CASE WHEN permanent_failure = 1 THEN state ELSE 'sending' END,
		    updated_at = ?
		WHERE id = ?
	`, nowMs, id)
}

// MarkSent transitions a row to the sent state. Quarantined rows keep their
// state.
func (r *Repository) MarkSent(ctx context.Context, id string, nowMs int64) error {
	return r.updateOne(ctx, `
		UPDATE queue_events
		SET state      = CASE WHEN permanent_failure = 1 THEN state ELSE 'sent' END,
		    updated_at = ?
		WHERE id = ?
	`, nowMs, id)
}

// MarkFailed records a failure outcome. Quarantine is one-directional: a
// row whose permanent_failure flag is set keeps its state and diagnostics
// no matter what a later call asks for.
func (r *Repository) MarkFailed(ctx context.Context, id string, params queue.MarkFailedParams, nowMs int64) error {
	state := string(domain.StateFailed)
	if params.Permanent {
		state = string(domain.StateQuarantined)
	}
	return r.updateOne(ctx, `
		UPDATE queue_events
		SET state             = CASE WHEN permanent_failure = 1 THEN 'quarantined' ELSE ? END,
		    attempts          = CASE WHEN permanent_failure = 1 THEN attempts ELSE ? END,
		    next_attempt_at   = CASE WHEN permanent_failure = 1 THEN next_attempt_at ELSE ? END,
		    last_error        = CASE WHEN permanent_failure = 1 THEN last_error ELSE ? END,
		    quarantine_reason = CASE WHEN permanent_failure = 1 THEN quarantine_reason ELSE ? END,
		    updated_at        = ?,
		    permanent_failure = MAX(permanent_failure, ?)
		WHERE id = ?
	`, state, params.Attempts, params.NextAttemptAt,
		params.LastError, params.QuarantineReason, nowMs, boolToInt(params.Permanent), id)
}

func (r *Repository) updateOne(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return queue.ErrEventNotFound
	}
	return nil
}

// CountActive returns the number of rows counting against quotas.
func (r *Repository) CountActive(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_events
		WHERE state IN ('pending', 'sending', 'failed')
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return count, nil
}

// StateCounts returns the row count per state.
func (r *Repository) StateCounts(ctx context.Context) (map[domain.EventState]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM queue_events GROUP BY state
	`)
	if err != nil {
		return nil, fmt.Errorf("state counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.EventState]int64)
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[domain.EventState(state)] = count
	}
	return counts, rows.Err()
}

// QuarantinedSummaries returns metadata-only rows for quarantined events,
// most recently quarantined first. Payload columns are never selected here.
func (r *Repository) QuarantinedSummaries(ctx context.Context, limit int) ([]domain.QuarantineSummary, error) {
	query := `
		SELECT id, idempotency_key, event_type, attempts, last_error, quarantine_reason, created_at, updated_at
		FROM queue_events
		WHERE state = 'quarantined'
		ORDER BY updated_at DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("quarantined summaries: %w", err)
	}
	defer rows.Close()

	summaries := make([]domain.QuarantineSummary, 0, limit)
	for rows.Next() {
		var s domain.QuarantineSummary
		err := rows.Scan(
			&s.ID,
			&s.IdempotencyKey,
			&s.Type,
			&s.Attempts,
			&s.LastError,
			&s.QuarantineReason,
			&s.CreatedAt,
			&s.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// DeleteSentBefore purges sent rows whose delivery finished before cutoff.
func (r *Repository) DeleteSentBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM queue_events WHERE state = 'sent' AND updated_at < ?
	`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("delete sent: %w", err)
	}
	return result.RowsAffected()
}

// DeleteFailedBefore purges failed and quarantined rows created before
// cutoff. Creation time is the basis so retry churn does not keep
// undeliverable rows alive forever.
func (r *Repository) DeleteFailedBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM queue_events
		WHERE state IN ('failed', 'quarantined') AND created_at < ?
	`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("delete failed: %w", err)
	}
	return result.RowsAffected()
}

// ReleaseStuckSending demotes stale in-flight rows back to failed with
// immediate eligibility. Attempts are unchanged.
func (r *Repository) ReleaseStuckSending(ctx context.Context, cutoffMs int64, nowMs int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE queue_events
		SET state = 'failed',
		    last_error = 'sending_timeout',
		    next_attempt_at = 0,
		    updated_at = ?
		WHERE state = 'sending' AND updated_at <= ?
	`, nowMs, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("release stuck sending: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*domain.QueueEvent, error) {
	var event domain.QueueEvent
	var state string
	var permanent int
	err := row.Scan(
		&event.ID,
		&event.IdempotencyKey,
		&event.Type,
		&event.Payload,
		&event.Encoding,
		&event.PayloadBytes,
		&event.CreatedAt,
		&state,
		&event.Attempts,
		&event.NextAttemptAt,
		&permanent,
		&event.LastError,
		&event.QuarantineReason,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	event.State = domain.EventState(state)
	event.PermanentFailure = permanent != 0
	return &event, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

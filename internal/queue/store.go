package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pzverkov/kioskops-relay/internal/audit"
	"github.com/pzverkov/kioskops-relay/internal/codec"
	"github.com/pzverkov/kioskops-relay/internal/domain"
	"github.com/pzverkov/kioskops-relay/internal/idempotency"
	"github.com/pzverkov/kioskops-relay/internal/pkg/ctxlog"
	"github.com/pzverkov/kioskops-relay/internal/secrets"
)

// Overflow eviction bounds: at most maxEvictionRounds rounds of at most
// evictionBatchSize deletions per enqueue.
const (
	maxEvictionRounds = 20
	evictionBatchSize = 50
)

// EnqueueRequest describes one event to persist.
type EnqueueRequest struct {
	Type    string
	Payload []byte

	// StableEventID, when set with deterministic keys enabled, makes
	// re-enqueues of the same business event collide at the collector.
	StableEventID string

	// IdempotencyKeyOverride is used verbatim when set.
	IdempotencyKeyOverride string
}

// Store is the single source of truth for queue events and the only
// component that mutates their state. Enqueue calls are serialized through
// one mutex per instance so no caller observes the queue over quota after
// an accepted enqueue.
type Store struct {
	repo    Repository
	codec   codec.PayloadCodec
	secrets secrets.Provider
	policy  domain.QueuePolicy
	clock   clockwork.Clock
	sink    audit.Sink

	enqueueMu sync.Mutex
}

// NewStore creates a Store. A nil clock falls back to the real clock and a
// nil sink discards audit events into the logger sink.
func NewStore(repo Repository, payloadCodec codec.PayloadCodec, secretProvider secrets.Provider, policy domain.QueuePolicy, clock clockwork.Clock, sink audit.Sink) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if sink == nil {
		sink = audit.LogSink{}
	}
	return &Store{
		repo:    repo,
		codec:   payloadCodec,
		secrets: secretProvider,
		policy:  policy,
		clock:   clock,
		sink:    sink,
	}
}

// Policy returns the guardrail settings the store enforces.
func (s *Store) Policy() domain.QueuePolicy {
	return s.policy
}

// Enqueue validates, encodes and persists one event. Guardrails are checked
// in order and any failure short-circuits with no write. The returned error
// is non-nil only for storage faults; policy refusals come back as a
// Rejection inside the result.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	payloadBytes := int64(len(req.Payload))

	if payloadBytes > s.policy.MaxEventPayloadBytes {
		rej := Rejection{
			Reason:          RejectPayloadTooLarge,
			PayloadBytes:    payloadBytes,
			MaxPayloadBytes: s.policy.MaxEventPayloadBytes,
		}
		s.auditRejected(ctx, req.Type, rej)
		return rejected(rej), nil
	}

	if !s.policy.AllowRawPayload {
		if key, found := s.scanDenylist(req.Payload); found {
			rej := Rejection{Reason: RejectDenylistedKey, Key: key}
			s.auditRejected(ctx, req.Type, rej)
			return rejected(rej), nil
		}
	}

	dropped, rej, err := s.enforceQuota(ctx, req.Type, payloadBytes)
	if err != nil {
		return EnqueueResult{}, err
	}
	if rej != nil {
		s.auditRejected(ctx, req.Type, *rej)
		return rejected(*rej), nil
	}

	key := s.resolveIdempotencyKey(ctx, req)

	blob, encoding, err := s.codec.Encode(req.Payload, s.policy.EncryptPayloads)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("encode payload: %w", err)
	}

	now := s.clock.Now().UnixMilli()
	event := &domain.QueueEvent{
		ID:             uuid.New().String(),
		IdempotencyKey: key,
		Type:           req.Type,
		Payload:        blob,
		Encoding:       encoding,
		PayloadBytes:   payloadBytes,
		CreatedAt:      now,
		State:          domain.StatePending,
		NextAttemptAt:  0,
		UpdatedAt:      now,
	}

	if err := s.repo.InsertEvent(ctx, event); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			rej := Rejection{Reason: RejectDuplicateIdempotency}
			s.auditRejected(ctx, req.Type, rej)
			return rejected(rej), nil
		}
		return EnqueueResult{}, fmt.Errorf("insert event: %w", err)
	}

	recordEnqueue("accepted")
	s.sink.Emit(ctx, audit.EventEnqueued, map[string]string{
		"event_id":       event.ID,
		"event_type":     event.Type,
		"payload_bytes":  strconv.FormatInt(payloadBytes, 10),
		"dropped_oldest": strconv.Itoa(dropped),
	})

	return EnqueueResult{
		EventID:        event.ID,
		IdempotencyKey: event.IdempotencyKey,
		DroppedOldest:  dropped,
	}, nil
}

// scanDenylist looks for any denylisted JSON key token as a case-insensitive
// quoted substring of the plaintext. A heuristic, not a JSON parse; false
// negatives are accepted.
func (s *Store) scanDenylist(payload []byte) (string, bool) {
	if len(s.policy.DenylistedKeys) == 0 {
		return "", false
	}
	lower := strings.ToLower(string(payload))
	for _, key := range s.policy.DenylistedKeys {
		token := `"` + strings.ToLower(key) + `"`
		if strings.Contains(lower, token) {
			return key, true
		}
	}
	return "", false
}

// enforceQuota checks the active-row quotas and, under drop-oldest, evicts
// until the new event fits. Returns the number of dropped rows, or a
// rejection when the event cannot be admitted.
func (s *Store) enforceQuota(ctx context.Context, eventType string, newBytes int64) (int, *Rejection, error) {
	stats, err := s.repo.ActiveStats(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("active stats: %w", err)
	}

	if !s.overQuota(stats, newBytes) {
		return 0, nil, nil
	}

	reason := "max_active_bytes"
	if stats.Count >= s.policy.MaxActiveEvents {
		reason = "max_active_events"
	}

	if s.policy.Overflow != domain.OverflowDropOldest {
		return 0, &Rejection{Reason: RejectQueueFull, Detail: reason}, nil
	}

	dropped := 0
	for round := 0; round < maxEvictionRounds && s.overQuota(stats, newBytes); round++ {
		candidates, err := s.repo.OldestActive(ctx, evictionBatchSize)
		if err != nil {
			return dropped, nil, fmt.Errorf("list eviction candidates: %w", err)
		}
		if len(candidates) == 0 {
			break
		}

		ids := s.evictionPrefix(stats, newBytes, candidates)
		n, err := s.repo.DeleteEvents(ctx, ids)
		if err != nil {
			return dropped, nil, fmt.Errorf("evict oldest: %w", err)
		}
		dropped += int(n)

		stats, err = s.repo.ActiveStats(ctx)
		if err != nil {
			return dropped, nil, fmt.Errorf("active stats: %w", err)
		}
	}

	if dropped > 0 {
		recordOverflowDropped(dropped)
		s.sink.Emit(ctx, audit.QueueOverflowDropped, map[string]string{
			"event_type": eventType,
			"dropped":    strconv.Itoa(dropped),
			"reason":     reason,
		})
		ctxlog.FromContext(ctx).Warn("queue overflow, dropped oldest events",
			"dropped", dropped,
			"reason", reason,
		)
	}

	if s.overQuota(stats, newBytes) {
		return dropped, &Rejection{Reason: RejectQueueFull, Detail: reason}, nil
	}
	return dropped, nil, nil
}

func (s *Store) overQuota(stats ActiveStats, newBytes int64) bool {
	return stats.Count >= s.policy.MaxActiveEvents ||
		stats.Bytes+newBytes > s.policy.MaxActiveBytes
}

// evictionPrefix picks the shortest prefix of candidates whose removal
// satisfies both quotas, falling back to the whole batch when even that is
// not enough.
func (s *Store) evictionPrefix(stats ActiveStats, newBytes int64, candidates []EvictionCandidate) []string {
	ids := make([]string, 0, len(candidates))
	count := stats.Count
	bytes := stats.Bytes
	for _, c := range candidates {
		if count < s.policy.MaxActiveEvents && bytes+newBytes <= s.policy.MaxActiveBytes {
			break
		}
		ids = append(ids, c.ID)
		count--
		bytes -= c.PayloadBytes
	}
	return ids
}

func (s *Store) resolveIdempotencyKey(ctx context.Context, req EnqueueRequest) string {
	if req.IdempotencyKeyOverride != "" {
		return req.IdempotencyKeyOverride
	}
	if req.StableEventID != "" && s.policy.DeterministicKeys && s.secrets != nil {
		secret, err := s.secrets.InstallSecret()
		if err != nil {
			ctxlog.FromContext(ctx).Warn("install secret unavailable, using random idempotency key",
				"error", err,
			)
			return idempotency.Random()
		}
		return idempotency.Derive(secret, req.Type, req.StableEventID)
	}
	return idempotency.Random()
}

func (s *Store) auditRejected(ctx context.Context, eventType string, rej Rejection) {
	recordEnqueue(string(rej.Reason))
	s.sink.Emit(ctx, audit.EventRejected, map[string]string{
		"event_type": eventType,
		"reason":     string(rej.Reason),
	})
}

// NextBatch returns the events eligible for delivery at now: pending or
// failed, not quarantined, next attempt due, oldest first. FIFO ordering by
// creation time keeps one stuck event from starving the rest once its
// backoff clears.
func (s *Store) NextBatch(ctx context.Context, now time.Time, limit int) ([]*domain.QueueEvent, error) {
	return s.repo.FetchEligible(ctx, now.UnixMilli(), limit)
}

// MarkSending transitions an event to the in-flight state.
func (s *Store) MarkSending(ctx context.Context, id string) error {
	return s.repo.MarkSending(ctx, id, s.clock.Now().UnixMilli())
}

// MarkSent records a confirmed delivery.
func (s *Store) MarkSent(ctx context.Context, id string) error {
	return s.repo.MarkSent(ctx, id, s.clock.Now().UnixMilli())
}

// MarkFailed records a failed attempt, either scheduling a retry or
// quarantining the event permanently.
func (s *Store) MarkFailed(ctx context.Context, id string, params MarkFailedParams) error {
	if params.Permanent {
		params.NextAttemptAt = domain.NeverAttempt
	}
	return s.repo.MarkFailed(ctx, id, params, s.clock.Now().UnixMilli())
}

// DecodePayload returns the plaintext payload of a stored event. Fails on
// encoding tags the configured codec does not recognize.
func (s *Store) DecodePayload(event *domain.QueueEvent) ([]byte, error) {
	return s.codec.Decode(event.Payload, event.Encoding)
}

// GetEvent fetches a single event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*domain.QueueEvent, error) {
	return s.repo.GetEvent(ctx, id)
}

// CountActive returns the number of rows counting against quotas.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	return s.repo.CountActive(ctx)
}

// StateCounts returns the queue depth per state.
func (s *Store) StateCounts(ctx context.Context) (map[domain.EventState]int64, error) {
	return s.repo.StateCounts(ctx)
}

// QuarantinedSummaries returns metadata-only projections of quarantined
// events. Payload bytes never leave the store through this path.
func (s *Store) QuarantinedSummaries(ctx context.Context, limit int) ([]domain.QuarantineSummary, error) {
	return s.repo.QuarantinedSummaries(ctx, limit)
}

// RetentionResult reports how many rows a retention pass purged.
type RetentionResult struct {
	PurgedSent   int64
	PurgedFailed int64
}

// ApplyRetention deletes sent rows older than the sent window and failed or
// quarantined rows older than the failed window. Deletion is the only exit
// from quarantine.
func (s *Store) ApplyRetention(ctx context.Context, policy domain.RetentionPolicy) (RetentionResult, error) {
	now := s.clock.Now()
	var res RetentionResult

	if policy.SentMaxAge > 0 {
		n, err := s.repo.DeleteSentBefore(ctx, now.Add(-policy.SentMaxAge).UnixMilli())
		if err != nil {
			return res, fmt.Errorf("purge sent: %w", err)
		}
		res.PurgedSent = n
	}

	if policy.FailedMaxAge > 0 {
		n, err := s.repo.DeleteFailedBefore(ctx, now.Add(-policy.FailedMaxAge).UnixMilli())
		if err != nil {
			return res, fmt.Errorf("purge failed: %w", err)
		}
		res.PurgedFailed = n
	}

	if res.PurgedSent > 0 || res.PurgedFailed > 0 {
		ctxlog.FromContext(ctx).Debug("retention purge",
			"purged_sent", res.PurgedSent,
			"purged_failed", res.PurgedFailed,
		)
	}

	return res, nil
}

// ReleaseStuckSending demotes sending rows that have not been touched for
// olderThan back to failed with immediate eligibility. Such rows are left
// behind when the process dies between marking a batch in-flight and
// observing the transport outcome.
func (s *Store) ReleaseStuckSending(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.clock.Now()
	released, err := s.repo.ReleaseStuckSending(ctx, now.Add(-olderThan).UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("release stuck sending: %w", err)
	}
	if released > 0 {
		ctxlog.FromContext(ctx).Warn("released stuck in-flight events",
			"count", released,
		)
	}
	return released, nil
}

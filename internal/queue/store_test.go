package queue_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pzverkov/kioskops-relay/internal/audit"
	"github.com/pzverkov/kioskops-relay/internal/codec"
	"github.com/pzverkov/kioskops-relay/internal/domain"
	"github.com/pzverkov/kioskops-relay/internal/idempotency"
	"github.com/pzverkov/kioskops-relay/internal/queue"
	"github.com/pzverkov/kioskops-relay/internal/queue/sqlite"
	"github.com/pzverkov/kioskops-relay/internal/secrets"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func basePolicy() domain.QueuePolicy {
	return domain.QueuePolicy{
		MaxEventPayloadBytes: 1024,
		MaxActiveEvents:      100,
		MaxActiveBytes:       1 << 20,
		Overflow:             domain.OverflowBlock,
		DenylistedKeys:       []string{"email", "password"},
		DeterministicKeys:    true,
		MaxAttemptsPerEvent:  8,
	}
}

func newTestStore(t *testing.T, policy domain.QueuePolicy, sink audit.Sink) (*queue.Store, *clockwork.FakeClock) {
	t.Helper()

	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	store := queue.NewStore(
		sqlite.NewRepository(db),
		codec.Identity{},
		secrets.StaticProvider(testSecret),
		policy,
		clock,
		sink,
	)
	return store, clock
}

func payloadOfSize(n int) []byte {
	return bytes.Repeat([]byte("a"), n)
}

func TestStore_Enqueue_Accepted(t *testing.T) {
	recorder := &audit.Recorder{}
	store, _ := newTestStore(t, basePolicy(), recorder)
	ctx := context.Background()

	res, err := store.Enqueue(ctx, queue.EnqueueRequest{
		Type:    "SCAN",
		Payload: []byte(`{"item":"sku-1"}`),
	})
	require.NoError(t, err)
	require.True(t, res.Accepted())
	assert.NotEmpty(t, res.EventID)
	assert.NotEmpty(t, res.IdempotencyKey)
	assert.Zero(t, res.DroppedOldest)

	count, err := store.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	emitted := recorder.Named(audit.EventEnqueued)
	require.Len(t, emitted, 1)
	assert.Equal(t, "SCAN", emitted[0].Fields["event_type"])
	assert.Equal(t, res.EventID, emitted[0].Fields["event_id"])
}

func TestStore_Enqueue_PayloadTooLarge(t *testing.T) {
	policy := basePolicy()
	policy.MaxEventPayloadBytes = 64

	recorder := &audit.Recorder{}
	store, _ := newTestStore(t, policy, recorder)
	ctx := context.Background()

	res, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "SCAN", Payload: payloadOfSize(100)})
	require.NoError(t, err)
	require.False(t, res.Accepted())
	assert.Equal(t, queue.RejectPayloadTooLarge, res.Rejection.Reason)
	assert.Equal(t, int64(100), res.Rejection.PayloadBytes)
	assert.Equal(t, int64(64), res.Rejection.MaxPayloadBytes)

	// Refused before any write.
	count, err := store.CountActive(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	rejections := recorder.Named(audit.EventRejected)
	require.Len(t, rejections, 1)
	assert.Equal(t, string(queue.RejectPayloadTooLarge), rejections[0].Fields["reason"])
}

func TestStore_Enqueue_DenylistedKey(t *testing.T) {
	store, _ := newTestStore(t, basePolicy(), &audit.Recorder{})
	ctx := context.Background()

	tests := []struct {
		name     string
		payload  string
		rejected bool
		key      string
	}{
		{
			name:     "lowercase match",
			payload:  `{"email":"a@b.example"}`,
			rejected: true,
			key:      "email",
		},
		{
			name:     "case insensitive match",
			payload:  `{"Email":"a@b.example"}`,
			rejected: true,
			key:      "email",
		},
		{
			name:     "nested match",
			payload:  `{"meta":{"PASSWORD":"hunter2"}}`,
			rejected: true,
			key:      "password",
		},
		{
			name:    "no quoted token",
			payload: `{"contact":"email at example"}`,
		},
		{
			name:    "clean payload",
			payload: `{"item":"sku-1","qty":2}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "SCAN", Payload: []byte(tt.payload)})
			require.NoError(t, err)
			if tt.rejected {
				require.False(t, res.Accepted())
				assert.Equal(t, queue.RejectDenylistedKey, res.Rejection.Reason)
				assert.Equal(t, tt.key, res.Rejection.Key)
			} else {
				assert.True(t, res.Accepted())
			}
		})
	}
}

func TestStore_Enqueue_AllowRawPayloadSkipsDenylist(t *testing.T) {
	policy := basePolicy()
	policy.AllowRawPayload = true

	store, _ := newTestStore(t, policy, &audit.Recorder{})

	res, err := store.Enqueue(context.Background(), queue.EnqueueRequest{
		Type:    "SCAN",
		Payload: []byte(`{"email":"a@b.example"}`),
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted())
}

func TestStore_Enqueue_DropOldestByCount(t *testing.T) {
	policy := basePolicy()
	policy.MaxActiveEvents = 1
	policy.Overflow = domain.OverflowDropOldest

	recorder := &audit.Recorder{}
	store, clock := newTestStore(t, policy, recorder)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "SCAN", Payload: []byte(`{"n":1}`)})
	require.NoError(t, err)
	require.True(t, first.Accepted())

	clock.Advance(time.Second)

	second, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "SCAN", Payload: []byte(`{"n":2}`)})
	require.NoError(t, err)
	require.True(t, second.Accepted())
	assert.Equal(t, 1, second.DroppedOldest)

	count, err := store.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// The survivor is the newer event.
	_, err = store.GetEvent(ctx, first.EventID)
	assert.ErrorIs(t, err, queue.ErrEventNotFound)
	_, err = store.GetEvent(ctx, second.EventID)
	assert.NoError(t, err)

	overflow := recorder.Named(audit.QueueOverflowDropped)
	require.Len(t, overflow, 1)
	assert.Equal(t, "1", overflow[0].Fields["dropped"])
	assert.Equal(t, "max_active_events", overflow[0].Fields["reason"])
}

func TestStore_Enqueue_DropOldestByBytes(t *testing.T) {
	policy := basePolicy()
	policy.MaxActiveBytes = 64
	policy.Overflow = domain.OverflowDropOldest

	store, clock := newTestStore(t, policy, &audit.Recorder{})
	ctx := context.Background()

	first, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "SCAN", Payload: payloadOfSize(30)})
	require.NoError(t, err)
	require.True(t, first.Accepted())

	clock.Advance(time.Second)

	second, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "SCAN", Payload: payloadOfSize(30)})
	require.NoError(t, err)
	require.True(t, second.Accepted())
	assert.Zero(t, second.DroppedOldest)

	clock.Advance(time.Second)

	// 60 active bytes plus 30 more exceeds the quota; only the oldest
	// needs to go.
	third, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "SCAN", Payload: payloadOfSize(30)})
	require.NoError(t, err)
	require.True(t, third.Accepted())
	assert.Equal(t, 1, third.DroppedOldest)

	_, err = store.GetEvent(ctx, first.EventID)
	assert.ErrorIs(t, err, queue.ErrEventNotFound)
	_, err = store.GetEvent(ctx, second.EventID)
	assert.NoError(t, err)
}

func TestStore_Enqueue_BlockWhenFull(t *testing.T) {
	policy := basePolicy()
	policy.MaxActiveEvents = 1
	policy.Overflow = domain.OverflowBlock

	store, clock := newTestStore(t, policy, &audit.Recorder{})
	ctx := context.Background()

	first, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "SCAN", Payload: []byte(`{"n":1}`)})
	require.NoError(t, err)
	require.True(t, first.Accepted())

	clock.Advance(time.Second)

	second, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "SCAN", Payload: []byte(`{"n":2}`)})
	require.NoError(t, err)
	require.False(t, second.Accepted())
	assert.Equal(t, queue.RejectQueueFull, second.Rejection.Reason)

	// The incumbent survives the refused enqueue.
	count, err := store.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	_, err = store.GetEvent(ctx, first.EventID)
	assert.NoError(t, err)
}

func TestStore_Enqueue_DropNewestRejects(t *testing.T) {
	policy := basePolicy()
	policy.MaxActiveEvents = 1
	policy.Overflow = domain.OverflowDropNewest

	store, clock := newTestStore(t, policy, &audit.Recorder{})
	ctx := context.Background()

	_, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "SCAN", Payload: []byte(`{"n":1}`)})
	require.NoError(t, err)

	clock.Advance(time.Second)

	res, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "SCAN", Payload: []byte(`{"n":2}`)})
	require.NoError(t, err)
	require.False(t, res.Accepted())
	assert.Equal(t, queue.RejectQueueFull, res.Rejection.Reason)
}

func TestStore_Enqueue_DeterministicKeyCollision(t *testing.T) {
	store, clock := newTestStore(t, basePolicy(), &audit.Recorder{})
	ctx := context.Background()

	req := queue.EnqueueRequest{
		Type:          "SCAN",
		Payload:       []byte(`{"item":"sku-1"}`),
		StableEventID: "order-42",
	}

	first, err := store.Enqueue(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Accepted())
	assert.Equal(t, idempotency.Derive(testSecret, "SCAN", "order-42"), first.IdempotencyKey)

	clock.Advance(time.Second)

	second, err := store.Enqueue(ctx, req)
	require.NoError(t, err)
	require.False(t, second.Accepted())
	assert.Equal(t, queue.RejectDuplicateIdempotency, second.Rejection.Reason)

	count, err := store.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_Enqueue_KeyOverride(t *testing.T) {
	store, _ := newTestStore(t, basePolicy(), &audit.Recorder{})

	res, err := store.Enqueue(context.Background(), queue.EnqueueRequest{
		Type:                   "SCAN",
		Payload:                []byte(`{}`),
		IdempotencyKeyOverride: "caller-chosen-key",
	})
	require.NoError(t, err)
	require.True(t, res.Accepted())
	assert.Equal(t, "caller-chosen-key", res.IdempotencyKey)
}

func TestStore_Enqueue_RandomKeysWithoutStableID(t *testing.T) {
	store, clock := newTestStore(t, basePolicy(), &audit.Recorder{})
	ctx := context.Background()

	first, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "SCAN", Payload: []byte(`{}`)})
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "SCAN", Payload: []byte(`{}`)})
	require.NoError(t, err)

	assert.True(t, first.Accepted())
	assert.True(t, second.Accepted())
	assert.NotEqual(t, first.IdempotencyKey, second.IdempotencyKey)
}

func TestStore_NextBatch_FIFO(t *testing.T) {
	store, clock := newTestStore(t, basePolicy(), &audit.Recorder{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "SCAN", Payload: []byte(`{}`)})
		require.NoError(t, err)
		ids = append(ids, res.EventID)
		clock.Advance(time.Second)
	}

	batch, err := store.NextBatch(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i, event := range batch {
		assert.Equal(t, ids[i], event.ID)
	}
}

func TestStore_MarkFailed_PermanentForcesQuarantine(t *testing.T) {
	store, clock := newTestStore(t, basePolicy(), &audit.Recorder{})
	ctx := context.Background()

	res, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "SCAN", Payload: []byte(`{}`)})
	require.NoError(t, err)

	require.NoError(t, store.MarkFailed(ctx, res.EventID, queue.MarkFailedParams{
		Attempts:         1,
		LastError:        "schema rejected",
		QuarantineReason: "server_non_retryable",
		Permanent:        true,
	}))

	got, err := store.GetEvent(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQuarantined, got.State)
	assert.True(t, got.PermanentFailure)
	assert.Equal(t, domain.NeverAttempt, got.NextAttemptAt)

	// Quarantined rows are never batch-eligible again.
	clock.Advance(100 * 365 * 24 * time.Hour)
	batch, err := store.NextBatch(ctx, clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestStore_ApplyRetention(t *testing.T) {
	store, clock := newTestStore(t, basePolicy(), &audit.Recorder{})
	ctx := context.Background()

	sent, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "SCAN", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, store.MarkSending(ctx, sent.EventID))
	require.NoError(t, store.MarkSent(ctx, sent.EventID))

	clock.Advance(time.Second)
	failed, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "SCAN", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, failed.EventID, queue.MarkFailedParams{
		Attempts:      1,
		LastError:     "timeout",
		NextAttemptAt: clock.Now().Add(time.Minute).UnixMilli(),
	}))

	// Inside both windows: nothing purged.
	res, err := store.ApplyRetention(ctx, domain.RetentionPolicy{
		SentMaxAge:   24 * time.Hour,
		FailedMaxAge: 7 * 24 * time.Hour,
	})
	require.NoError(t, err)
	assert.Zero(t, res.PurgedSent)
	assert.Zero(t, res.PurgedFailed)

	clock.Advance(25 * time.Hour)
	res, err = store.ApplyRetention(ctx, domain.RetentionPolicy{
		SentMaxAge:   24 * time.Hour,
		FailedMaxAge: 7 * 24 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.PurgedSent)
	assert.Zero(t, res.PurgedFailed)

	clock.Advance(7 * 24 * time.Hour)
	res, err = store.ApplyRetention(ctx, domain.RetentionPolicy{
		SentMaxAge:   24 * time.Hour,
		FailedMaxAge: 7 * 24 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.PurgedFailed)
}

func TestStore_ReleaseStuckSending(t *testing.T) {
	store, clock := newTestStore(t, basePolicy(), &audit.Recorder{})
	ctx := context.Background()

	res, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "SCAN", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, store.MarkSending(ctx, res.EventID))

	// Too fresh to release.
	released, err := store.ReleaseStuckSending(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, released)

	clock.Advance(11 * time.Minute)
	released, err = store.ReleaseStuckSending(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	got, err := store.GetEvent(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)

	batch, err := store.NextBatch(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, res.EventID, batch[0].ID)
}

func TestStore_DecodePayload(t *testing.T) {
	store, _ := newTestStore(t, basePolicy(), &audit.Recorder{})
	ctx := context.Background()

	payload := []byte(`{"item":"sku-1"}`)
	res, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "SCAN", Payload: payload})
	require.NoError(t, err)

	event, err := store.GetEvent(ctx, res.EventID)
	require.NoError(t, err)

	decoded, err := store.DecodePayload(event)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

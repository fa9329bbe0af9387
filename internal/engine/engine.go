// Package engine drives delivery: it drains eligible events from the queue
// store, sends them as batches and applies the retry, backoff and
// quarantine rules to each outcome.
package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pzverkov/kioskops-relay/internal/audit"
	"github.com/pzverkov/kioskops-relay/internal/backoff"
	"github.com/pzverkov/kioskops-relay/internal/domain"
	"github.com/pzverkov/kioskops-relay/internal/pkg/ctxlog"
	"github.com/pzverkov/kioskops-relay/internal/queue"
	"github.com/pzverkov/kioskops-relay/internal/transport"
)

// Quarantine reasons recorded on permanently failed events.
const (
	ReasonServerNonRetryable  = "server_non_retryable"
	ReasonMaxAttemptsExceeded = "max_attempts_exceeded"
	ReasonPayloadDecodeFailed = "payload_decode_failed"
)

// lastErrorMissingAck marks events the collector's response did not
// acknowledge at all.
const lastErrorMissingAck = "missing_ack"

// Config controls one engine instance.
type Config struct {
	// Enabled gates all delivery. When false, FlushOnce is a no-op success.
	Enabled bool

	Collector transport.Config

	DeviceID   string
	AppVersion string
	LocationID string

	BatchSize           int
	MaxAttemptsPerEvent int

	// SendingTimeout is how long an in-flight row may sit untouched before
	// the pre-flush sweep demotes it back to retryable.
	SendingTimeout time.Duration
}

// Counts aggregates per-event outcomes of one flush.
type Counts struct {
	Attempted       int
	Sent            int
	TransientFailed int
	PermanentFailed int

	// Rejected counts events the collector acknowledged with accepted=false,
	// whether or not they remain retryable.
	Rejected int
}

// FlushOutcome is the classified result of one flush cycle.
type FlushOutcome struct {
	Status  transport.Status
	Counts  Counts
	Message string

	// Released is how many stuck in-flight rows the pre-flush sweep demoted.
	Released int64
}

// Engine orchestrates flush cycles. It holds no event state between calls;
// the queue store is the single source of truth.
type Engine struct {
	store     *queue.Store
	transport transport.Transport
	backoff   *backoff.Policy
	cfg       Config
	clock     clockwork.Clock
	sink      audit.Sink
}

// New creates an Engine. A nil clock falls back to the real clock and a nil
// sink to the logging sink.
func New(store *queue.Store, tr transport.Transport, policy *backoff.Policy, cfg Config, clock clockwork.Clock, sink audit.Sink) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if sink == nil {
		sink = audit.LogSink{}
	}
	return &Engine{
		store:     store,
		transport: tr,
		backoff:   policy,
		cfg:       cfg,
		clock:     clock,
		sink:      sink,
	}
}

// FlushOnce runs one drain cycle: sweep stuck in-flight rows, pull a batch,
// send it and reconcile every event to a terminal-or-retryable state.
//
// The returned error is non-nil only for storage faults. Transport failures
// are always classified into the outcome, never raised.
func (e *Engine) FlushOnce(ctx context.Context) (FlushOutcome, error) {
	if !e.cfg.Enabled {
		return FlushOutcome{Status: transport.StatusSuccess}, nil
	}
	if !e.cfg.Collector.Configured() {
		// Config errors must never mutate event state.
		return FlushOutcome{Status: transport.StatusPermanent, Message: "not_configured"}, nil
	}

	start := e.clock.Now()
	outcome := FlushOutcome{Status: transport.StatusSuccess}

	if e.cfg.SendingTimeout > 0 {
		released, err := e.store.ReleaseStuckSending(ctx, e.cfg.SendingTimeout)
		if err != nil {
			return outcome, err
		}
		outcome.Released = released
	}

	batch, err := e.store.NextBatch(ctx, e.clock.Now(), e.cfg.BatchSize)
	if err != nil {
		return outcome, err
	}
	if len(batch) == 0 {
		return outcome, nil
	}

	batchID := uuid.New().String()
	outcome.Counts.Attempted = len(batch)
	observeBatchSize(len(batch))

	e.sink.Emit(ctx, audit.SyncBatchStart, map[string]string{
		"batch_id": batchID,
		"size":     strconv.Itoa(len(batch)),
	})

	inFlight, wireEvents := e.prepareBatch(ctx, batch, &outcome.Counts)
	if len(inFlight) == 0 {
		e.finishFlush(ctx, batchID, &outcome, start)
		return outcome, nil
	}

	req := transport.BatchSendRequest{
		BatchID:       batchID,
		DeviceID:      e.cfg.DeviceID,
		AppVersion:    e.cfg.AppVersion,
		LocationID:    e.cfg.LocationID,
		SentAtEpochMs: e.clock.Now().UnixMilli(),
		Events:        wireEvents,
	}

	result := e.transport.SendBatch(ctx, e.cfg.Collector, req)
	outcome.Status = result.Status
	outcome.Message = result.Message

	switch result.Status {
	case transport.StatusSuccess:
		e.reconcileAcks(ctx, inFlight, result.Response, &outcome.Counts)
	default:
		// Batch-level failures reschedule every event; nothing is
		// quarantined, not even on a permanent classification, because a
		// config bug must not irreversibly drop correct events.
		e.rescheduleBatch(ctx, inFlight, result, &outcome.Counts)
	}

	e.finishFlush(ctx, batchID, &outcome, start)
	return outcome, nil
}

// prepareBatch marks events in-flight and builds their wire form. Events
// whose payload cannot be decoded are quarantined: an unknown encoding tag
// can never deliver and must fail loudly rather than corrupt.
func (e *Engine) prepareBatch(ctx context.Context, batch []*domain.QueueEvent, counts *Counts) ([]*domain.QueueEvent, []transport.BatchEvent) {
	log := ctxlog.FromContext(ctx)
	inFlight := make([]*domain.QueueEvent, 0, len(batch))
	wireEvents := make([]transport.BatchEvent, 0, len(batch))

	for _, event := range batch {
		if err := e.store.MarkSending(ctx, event.ID); err != nil {
			// Leave the event eligible for the next cycle rather than send
			// a row the store does not show as in-flight.
			log.Error("failed to mark event sending", "event_id", event.ID, "error", err)
			continue
		}

		// Marked in-flight first so the quarantine below follows the
		// ordinary sending transition.
		plaintext, err := e.store.DecodePayload(event)
		if err != nil {
			log.Error("payload undecodable, quarantining event",
				"event_id", event.ID,
				"encoding", event.Encoding,
				"error", err,
			)
			e.markFailed(ctx, event, queue.MarkFailedParams{
				Attempts:         event.Attempts + 1,
				LastError:        err.Error(),
				QuarantineReason: ReasonPayloadDecodeFailed,
				Permanent:        true,
			})
			counts.PermanentFailed++
			continue
		}

		inFlight = append(inFlight, event)
		wireEvents = append(wireEvents, transport.BatchEvent{
			ID:               event.ID,
			IdempotencyKey:   event.IdempotencyKey,
			Type:             event.Type,
			PayloadJSON:      string(plaintext),
			CreatedAtEpochMs: event.CreatedAt,
		})
	}

	return inFlight, wireEvents
}

// reconcileAcks applies the collector's per-event verdicts. Every in-flight
// event ends in exactly one of sent, failed or quarantined.
func (e *Engine) reconcileAcks(ctx context.Context, inFlight []*domain.QueueEvent, resp *transport.BatchSendResponse, counts *Counts) {
	log := ctxlog.FromContext(ctx)

	acks := make(map[string]transport.EventAck)
	if resp != nil {
		for _, ack := range resp.Acks {
			acks[ack.ID] = ack
		}
	}

	for _, event := range inFlight {
		ack, ok := acks[event.ID]
		if !ok {
			// The collector never confirmed seeing this event; retry.
			e.markFailed(ctx, event, queue.MarkFailedParams{
				Attempts:      event.Attempts + 1,
				LastError:     lastErrorMissingAck,
				NextAttemptAt: e.retryAt(event.Attempts),
			})
			counts.TransientFailed++
			continue
		}

		if ack.Accepted {
			if err := e.store.MarkSent(ctx, event.ID); err != nil {
				log.Error("failed to mark event sent", "event_id", event.ID, "error", err)
				continue
			}
			counts.Sent++
			continue
		}

		counts.Rejected++

		permanent := !ack.Retryable || event.Attempts+1 >= e.cfg.MaxAttemptsPerEvent
		if permanent {
			reason := ReasonMaxAttemptsExceeded
			if !ack.Retryable {
				reason = ReasonServerNonRetryable
			}
			e.markFailed(ctx, event, queue.MarkFailedParams{
				Attempts:         event.Attempts + 1,
				LastError:        ack.Error,
				QuarantineReason: reason,
				Permanent:        true,
			})
			counts.PermanentFailed++
			continue
		}

		e.markFailed(ctx, event, queue.MarkFailedParams{
			Attempts:      event.Attempts + 1,
			LastError:     ack.Error,
			NextAttemptAt: e.retryAt(event.Attempts),
		})
		counts.TransientFailed++
	}
}

// rescheduleBatch marks every in-flight event for retry with one shared
// delay after a batch-level failure.
func (e *Engine) rescheduleBatch(ctx context.Context, inFlight []*domain.QueueEvent, result transport.Result, counts *Counts) {
	maxAttempts := 0
	for _, event := range inFlight {
		if event.Attempts > maxAttempts {
			maxAttempts = event.Attempts
		}
	}
	retryAt := e.retryAt(maxAttempts)

	for _, event := range inFlight {
		e.markFailed(ctx, event, queue.MarkFailedParams{
			Attempts:      event.Attempts + 1,
			LastError:     result.Message,
			NextAttemptAt: retryAt,
		})
		counts.TransientFailed++
	}
}

func (e *Engine) retryAt(priorAttempts int) int64 {
	return e.clock.Now().Add(e.backoff.NextDelay(priorAttempts)).UnixMilli()
}

func (e *Engine) markFailed(ctx context.Context, event *domain.QueueEvent, params queue.MarkFailedParams) {
	if err := e.store.MarkFailed(ctx, event.ID, params); err != nil {
		ctxlog.FromContext(ctx).Error("failed to mark event failed",
			"event_id", event.ID,
			"error", err,
		)
	}
}

func (e *Engine) finishFlush(ctx context.Context, batchID string, outcome *FlushOutcome, start time.Time) {
	duration := e.clock.Now().Sub(start)
	recordFlush(outcome.Status.String(), outcome.Counts, duration)

	name := audit.SyncBatchSuccess
	switch outcome.Status {
	case transport.StatusTransient:
		name = audit.SyncBatchTransientFailure
	case transport.StatusPermanent:
		name = audit.SyncBatchPermanentFailure
	}

	e.sink.Emit(ctx, name, map[string]string{
		"batch_id":         batchID,
		"attempted":        strconv.Itoa(outcome.Counts.Attempted),
		"sent":             strconv.Itoa(outcome.Counts.Sent),
		"rejected":         strconv.Itoa(outcome.Counts.Rejected),
		"transient_failed": strconv.Itoa(outcome.Counts.TransientFailed),
		"permanent_failed": strconv.Itoa(outcome.Counts.PermanentFailed),
	})

	ctxlog.FromContext(ctx).Info("flush cycle finished",
		"batch_id", batchID,
		"status", outcome.Status.String(),
		"attempted", outcome.Counts.Attempted,
		"sent", outcome.Counts.Sent,
		"duration", duration,
	)
}

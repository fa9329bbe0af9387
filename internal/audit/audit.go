// Package audit emits named operational events from the delivery core.
// Emissions carry small string field maps and never payload content.
package audit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pzverkov/kioskops-relay/internal/pkg/ctxlog"
)

// Audit event names emitted by the core.
const (
	EventEnqueued             = "event_enqueued"
	EventRejected             = "event_rejected"
	QueueOverflowDropped      = "queue_overflow_dropped"
	SyncBatchStart            = "sync_batch_start"
	SyncBatchSuccess          = "sync_batch_success"
	SyncBatchTransientFailure = "sync_batch_transient_failure"
	SyncBatchPermanentFailure = "sync_batch_permanent_failure"
)

// Sink receives audit events. Implementations must not block.
type Sink interface {
	Emit(ctx context.Context, name string, fields map[string]string)
}

// LogSink writes audit events through the context logger.
type LogSink struct{}

// Emit logs the event at info level with its fields as attributes.
func (LogSink) Emit(ctx context.Context, name string, fields map[string]string) {
	attrs := make([]any, 0, len(fields)*2+2)
	attrs = append(attrs, "audit_event", name)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	ctxlog.FromContext(ctx).LogAttrs(ctx, slog.LevelInfo, "audit", toAttrs(attrs)...)
}

func toAttrs(kv []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, slog.String(kv[i].(string), kv[i+1].(string)))
	}
	return attrs
}

// Recorded is one captured audit emission.
type Recorded struct {
	Name   string
	Fields map[string]string
}

// Recorder captures emissions in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

// Emit appends the event to the recorder.
func (r *Recorder) Emit(_ context.Context, name string, fields map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	r.events = append(r.events, Recorded{Name: name, Fields: copied})
}

// Events returns all captured emissions.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// Named returns captured emissions with the given name.
func (r *Recorder) Named(name string) []Recorded {
	var out []Recorded
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

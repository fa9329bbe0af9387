package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pzverkov/kioskops-relay/internal/domain"
)

const namespace = "kioskrelay"

var (
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of queued events by state",
		},
		[]string{"state"},
	)

	enqueueResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueue_total",
			Help:      "Enqueue calls by outcome (accepted or rejection reason)",
		},
		[]string{"outcome"},
	)

	overflowDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "overflow_dropped_total",
			Help:      "Events evicted by the drop-oldest overflow strategy",
		},
	)
)

func recordEnqueue(outcome string) {
	enqueueResults.WithLabelValues(outcome).Inc()
}

func recordOverflowDropped(count int) {
	overflowDropped.Add(float64(count))
}

// RecordDepth updates the queue depth gauges from a StateCounts snapshot.
func RecordDepth(counts map[domain.EventState]int64) {
	for _, state := range []domain.EventState{
		domain.StatePending,
		domain.StateSending,
		domain.StateSent,
		domain.StateFailed,
		domain.StateQuarantined,
	} {
		queueDepth.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

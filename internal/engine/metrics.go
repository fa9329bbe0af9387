package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kioskrelay"

var (
	flushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "flush_total",
			Help:      "Flush cycles by classified outcome",
		},
		[]string{"outcome"},
	)

	eventsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_delivered_total",
			Help:      "Events acknowledged as accepted by the collector",
		},
	)

	eventsQuarantined = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_quarantined_total",
			Help:      "Events moved to the terminal quarantined state",
		},
	)

	batchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "batch_size",
			Help:      "Events per flush batch",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	flushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "flush_duration_seconds",
			Help:      "Time to complete one flush cycle",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
)

func observeBatchSize(n int) {
	batchSize.Observe(float64(n))
}

func recordFlush(outcome string, counts Counts, duration time.Duration) {
	flushTotal.WithLabelValues(outcome).Inc()
	eventsDelivered.Add(float64(counts.Sent))
	eventsQuarantined.Add(float64(counts.PermanentFailed))
	flushDuration.Observe(duration.Seconds())
}

// Package metrics provides Prometheus metrics definitions shared across
// the process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kioskrelay"

// DBConnections tracks database connection state.
var DBConnections = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "connections",
		Help:      "Number of database connections by state",
	},
	[]string{"state"},
)

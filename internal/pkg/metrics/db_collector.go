package metrics

import "database/sql"

// RecordDBStats updates database connection metrics from the pool snapshot.
func RecordDBStats(db *sql.DB) {
	stats := db.Stats()

	DBConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
	DBConnections.WithLabelValues("idle").Set(float64(stats.Idle))
	DBConnections.WithLabelValues("open").Set(float64(stats.OpenConnections))
	DBConnections.WithLabelValues("max").Set(float64(stats.MaxOpenConnections))
}

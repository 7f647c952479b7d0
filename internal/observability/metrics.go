// Package observability holds store-level watermarks exported to Prometheus.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionStartedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "treadmill",
		Subsystem: "persistence",
		Name:      "last_session_started_timestamp_seconds",
		Help:      "Unix timestamp of the most recent session opened in Postgres.",
	})
	sessionEndedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "treadmill",
		Subsystem: "persistence",
		Name:      "last_session_ended_timestamp_seconds",
		Help:      "Unix timestamp of the most recent session closed in Postgres.",
	})
)

func init() {
	prometheus.MustRegister(sessionStartedGauge, sessionEndedGauge)
}

// RecordSessionStarted updates the start watermark gauge.
func RecordSessionStarted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	sessionStartedGauge.Set(float64(ts.Unix()))
}

// RecordSessionEnded updates the end watermark gauge.
func RecordSessionEnded(ts time.Time) {
	if ts.IsZero() {
		return
	}
	sessionEndedGauge.Set(float64(ts.Unix()))
}

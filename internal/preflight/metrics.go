package preflight

import "github.com/prometheus/client_golang/prometheus"

var (
	checksCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treadmill",
		Subsystem: "preflight",
		Name:      "checks_total",
		Help:      "Preflight checks, labeled by outcome.",
	}, []string{"outcome"})

	staleClosedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "treadmill",
		Subsystem: "preflight",
		Name:      "stale_sessions_closed_total",
		Help:      "Open sessions auto-closed because they exceeded the staleness threshold.",
	})
)

func init() {
	prometheus.MustRegister(checksCounter, staleClosedCounter)
}

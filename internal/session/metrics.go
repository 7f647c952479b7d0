package session

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "treadmill",
		Subsystem: "session",
		Name:      "started_total",
		Help:      "Sessions started on the treadmill.",
	})
	sessionsEnded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "treadmill",
		Subsystem: "session",
		Name:      "ended_total",
		Help:      "Sessions ended on the treadmill.",
	})
)

func init() {
	prometheus.MustRegister(sessionsStarted, sessionsEnded)
}

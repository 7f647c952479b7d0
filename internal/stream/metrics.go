package stream

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treadmill",
		Subsystem: "stream",
		Name:      "events_total",
		Help:      "Status events delivered to stream consumers, labeled by status.",
	}, []string{"status"})

	activeStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "treadmill",
		Subsystem: "stream",
		Name:      "active",
		Help:      "Number of running status streams.",
	})
)

func init() {
	prometheus.MustRegister(eventsCounter, activeStreams)
}

package outbox

import "github.com/prometheus/client_golang/prometheus"

const (
	resultDelivered = "delivered"
	resultFailed    = "failed"
)

var (
	eventsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treadmill",
		Subsystem: "outbox",
		Name:      "events_total",
		Help:      "Session events taken from the outbox, by event type and delivery result.",
	}, []string{"event_type", "result"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "treadmill",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent delivering and marking a non-empty outbox batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	dlqCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treadmill",
		Subsystem: "outbox",
		Name:      "events_dlq_total",
		Help:      "Session events parked in the dead-letter queue, by topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(eventsCounter, batchDuration, dlqCounter)
}

func recordEvents(messages []Message, result string) {
	for _, msg := range messages {
		eventsCounter.WithLabelValues(msg.EventType, result).Inc()
	}
}

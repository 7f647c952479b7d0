package device

import "github.com/prometheus/client_golang/prometheus"

var (
	commandCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treadmill",
		Subsystem: "device",
		Name:      "commands_total",
		Help:      "Commands written to the treadmill, labeled by kind and result.",
	}, []string{"kind", "result"})

	connectedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "treadmill",
		Subsystem: "device",
		Name:      "connected",
		Help:      "1 when the treadmill link is open, 0 otherwise.",
	})

	connectFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "treadmill",
		Subsystem: "device",
		Name:      "connect_failures_total",
		Help:      "Failed attempts to open the treadmill link.",
	})
)

func init() {
	prometheus.MustRegister(commandCounter, connectedGauge, connectFailures)
}

func recordCommand(kind CommandKind, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	commandCounter.WithLabelValues(string(kind), result).Inc()
}

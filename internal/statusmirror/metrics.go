package statusmirror

import "github.com/prometheus/client_golang/prometheus"

var mirrorErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "treadmill",
	Subsystem: "statusmirror",
	Name:      "write_errors_total",
	Help:      "Failed writes of the status snapshot to Redis.",
})

func init() {
	prometheus.MustRegister(mirrorErrors)
}

package session

import "github.com/prometheus/client_golang/prometheus"

var (
	replayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ftrpc",
		Subsystem: "session",
		Name:      "replayed_packets_total",
		Help:      "Buffered packets sent to a reconnected session.",
	})
	evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ftrpc",
		Subsystem: "session",
		Name:      "evictions_total",
		Help:      "Sessions whose buffered packets were dropped because the buffer was full.",
	})
)

func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(replayed)
	r.MustRegister(evictions)
}

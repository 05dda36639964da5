package failover

import "github.com/prometheus/client_golang/prometheus"

var (
	attemptSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ftrpc",
		Subsystem: "router",
		Name:      "attempt_seconds",
		Help:      "Duration of single routed attempts, by outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
	}, []string{"outcome"})
	cooldowns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ftrpc",
		Subsystem: "router",
		Name:      "cooldowns_total",
		Help:      "Handlers put into error cool-down.",
	})
)

func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(attemptSeconds)
	r.MustRegister(cooldowns)
}

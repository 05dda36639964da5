package heartbeat

import "github.com/prometheus/client_golang/prometheus"

var (
	heartbeatsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ftrpc",
		Subsystem: "heartbeat",
		Name:      "sent_total",
		Help:      "Heartbeat packets queued on idle connections.",
	})
	trackedConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ftrpc",
		Subsystem: "heartbeat",
		Name:      "tracked_conns",
		Help:      "Connections currently in the heartbeat scan set.",
	})
)

func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(heartbeatsSent)
	r.MustRegister(trackedConns)
}

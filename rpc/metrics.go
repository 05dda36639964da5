package rpc

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ftrpc",
		Name:      "dispatch_total",
		Help:      "Requests dispatched by the server, by method and outcome.",
	}, []string{"method", "outcome"})
	clientCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ftrpc",
		Name:      "client_calls_total",
		Help:      "Calls completed by the client core, by outcome.",
	}, []string{"outcome"})
)

func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(dispatchTotal)
	r.MustRegister(clientCalls)
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRemoteInvocation):
		return "remote_error"
	default:
		return "error"
	}
}

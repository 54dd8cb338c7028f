// Package metrics exposes Prometheus collectors for the handoff core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors the routing core reports into.
type Metrics struct {
	TurnsTotal       *prometheus.CounterVec
	HandoffsTotal    prometheus.Counter
	DeliveryFailures prometheus.Counter
	QueueDepth       prometheus.Gauge
}

// New registers and returns the handoff collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "handoff",
			Name:      "turns_total",
			Help:      "Inbound turns processed, by sender role and outcome.",
		}, []string{"role", "outcome"}),
		HandoffsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "handoff",
			Name:      "handoffs_total",
			Help:      "Completed queue-to-agent handoffs.",
		}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "handoff",
			Name:      "delivery_failures_total",
			Help:      "Outbound sends that could not reach their target.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "handoff",
			Name:      "queue_depth",
			Help:      "Users currently waiting for an agent.",
		}),
	}
}

package service

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	OrderSubmissions   *prometheus.CounterVec
	OrderCancellations *prometheus.CounterVec
	OrderModifications *prometheus.CounterVec
	BrokerEvents       *prometheus.CounterVec
	RoutingDecisions   *prometheus.CounterVec
	SubmissionLatency  *prometheus.HistogramVec
	BrokerSessionState *prometheus.GaugeVec
	FrozenOrders       prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OrderSubmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_submissions_total",
				Help: "Total order submission attempts.",
			},
			[]string{"status"},
		),
		OrderCancellations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_cancellations_total",
				Help: "Total order cancellation attempts.",
			},
			[]string{"status"},
		),
		OrderModifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_modifications_total",
				Help: "Total order modification attempts.",
			},
			[]string{"status"},
		),
		BrokerEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_events_total",
				Help: "Broker events by disposition.",
			},
			[]string{"broker", "type", "outcome"},
		),
		RoutingDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routing_decisions_total",
				Help: "Routing decisions by chosen broker.",
			},
			[]string{"broker"},
		),
		SubmissionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_submission_latency_seconds",
				Help:    "Broker submission round-trip latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"broker"},
		),
		BrokerSessionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_session_state",
				Help: "Broker session health: 0 healthy, 1 degraded, 2 down.",
			},
			[]string{"broker"},
		),
		FrozenOrders: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orders_frozen_total",
				Help: "Orders quarantined by reconciliation conflicts.",
			},
		),
	}

	registry.MustRegister(
		m.OrderSubmissions,
		m.OrderCancellations,
		m.OrderModifications,
		m.BrokerEvents,
		m.RoutingDecisions,
		m.SubmissionLatency,
		m.BrokerSessionState,
		m.FrozenOrders,
	)
	return m
}

// ObserveBrokerEvent satisfies the reconciliation engine's observer hook.
func (m *Metrics) ObserveBrokerEvent(brokerID, eventType, outcome string) {
	m.BrokerEvents.WithLabelValues(brokerID, eventType, outcome).Inc()
	if outcome == "conflict" {
		m.FrozenOrders.Inc()
	}
}

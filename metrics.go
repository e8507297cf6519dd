package coap

import "github.com/prometheus/client_golang/prometheus"

// Metrics is one endpoint's Prometheus instrumentation. It owns a
// private registry rather than registering into the global default one,
// so more than one Endpoint can run in the same process (e.g. in
// tests) without a duplicate-registration panic.
type Metrics struct {
	Registry *prometheus.Registry

	ExchangesStarted   prometheus.Counter
	ExchangesCompleted *prometheus.CounterVec
	Retransmissions    prometheus.Counter
	Notifications      prometheus.Counter
	BlockwiseTransfers  prometheus.Counter
	InFlightExchanges  prometheus.Gauge
}

// NewMetrics builds and registers a fresh Metrics collector set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ExchangesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "exchanges_started_total",
			Help:      "Exchanges created by this endpoint for outgoing requests.",
		}),
		ExchangesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "exchanges_completed_total",
			Help:      "Exchanges completed, labelled by terminal outcome.",
		}, []string{"outcome"}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "retransmissions_total",
			Help:      "Confirmable messages retransmitted.",
		}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "observe_notifications_total",
			Help:      "Observe notifications accepted as fresh.",
		}),
		BlockwiseTransfers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "blockwise_transfers_total",
			Help:      "Block-wise transfers completed.",
		}),
		InFlightExchanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coap",
			Name:      "exchanges_in_flight",
			Help:      "Exchanges for outgoing requests not yet finished.",
		}),
	}
	reg.MustRegister(
		m.ExchangesStarted,
		m.ExchangesCompleted,
		m.Retransmissions,
		m.Notifications,
		m.BlockwiseTransfers,
		m.InFlightExchanges,
	)
	return m
}

// Outcome labels for ExchangesCompleted.
const (
	OutcomeAcknowledged = "acknowledged"
	OutcomeRejected     = "rejected"
	OutcomeTimedOut     = "timed_out"
	OutcomeCancelled    = "cancelled"
)

func (m *Metrics) observeOutcome(status retransmitStatus) {
	switch status {
	case StatusAcknowledged:
		m.ExchangesCompleted.WithLabelValues(OutcomeAcknowledged).Inc()
	case StatusRejected:
		m.ExchangesCompleted.WithLabelValues(OutcomeRejected).Inc()
	case StatusTimedOut:
		m.ExchangesCompleted.WithLabelValues(OutcomeTimedOut).Inc()
	case StatusCancelled:
		m.ExchangesCompleted.WithLabelValues(OutcomeCancelled).Inc()
	}
}

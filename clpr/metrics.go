package clpr

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/clpr/metric"
)

// middlewareMetrics is nil-safe: a middleware built without a registry
// records nothing.
type middlewareMetrics struct {
	attempts        *prometheus.CounterVec
	sends           *prometheus.CounterVec
	responses       *prometheus.CounterVec
	staleResponses  prometheus.Counter
	pending         prometheus.Gauge
	remoteBalance   *prometheus.GaugeVec
	messagesHandled *prometheus.CounterVec
}

func newMiddlewareMetrics(reg *metric.MetricsRegistry, ledger LedgerID) (*middlewareMetrics, error) {
	if reg == nil {
		return nil, nil
	}
	labels := prometheus.Labels{"ledger_id": string(ledger)}
	m := &middlewareMetrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clpr", Name: "send_attempts_total",
			Help:        "Connector attempts made while routing sends",
			ConstLabels: labels,
		}, []string{"connector_id", "status", "reason"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clpr", Name: "sends_total",
			Help:        "Send calls by result",
			ConstLabels: labels,
		}, []string{"result"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clpr", Name: "responses_total",
			Help:        "Responses matched to a pending message, by status",
			ConstLabels: labels,
		}, []string{"status"}),
		staleResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clpr", Name: "stale_responses_total",
			Help:        "Responses with no pending message",
			ConstLabels: labels,
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clpr", Name: "pending_messages",
			Help:        "Outbound messages awaiting a response",
			ConstLabels: labels,
		}),
		remoteBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clpr", Name: "remote_connector_balance",
			Help:        "Last balance reported by a remote connector",
			ConstLabels: labels,
		}, []string{"connector_id", "unit"}),
		messagesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clpr", Name: "messages_handled_total",
			Help:        "Inbound messages handled, by response status",
			ConstLabels: labels,
		}, []string{"status"}),
	}

	service := "middleware." + string(ledger)
	registrations := []func() error{
		func() error { return reg.RegisterCounterVec(service, "send_attempts", m.attempts) },
		func() error { return reg.RegisterCounterVec(service, "sends", m.sends) },
		func() error { return reg.RegisterCounterVec(service, "responses", m.responses) },
		func() error { return reg.RegisterCounter(service, "stale_responses", m.staleResponses) },
		func() error { return reg.RegisterGauge(service, "pending", m.pending) },
		func() error { return reg.RegisterGaugeVec(service, "remote_balance", m.remoteBalance) },
		func() error { return reg.RegisterCounterVec(service, "messages_handled", m.messagesHandled) },
	}
	for _, register := range registrations {
		if err := register(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *middlewareMetrics) recordAttempt(a SendAttempt) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(string(a.ConnectorID), a.Status.String(), a.Reason.String()).Inc()
}

func (m *middlewareMetrics) recordSend(result string, pending int) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
	m.pending.Set(float64(pending))
}

func (m *middlewareMetrics) recordResponse(status ResponseStatus, pending int) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(status.String()).Inc()
	m.pending.Set(float64(pending))
}

func (m *middlewareMetrics) recordStale() {
	if m == nil {
		return
	}
	m.staleResponses.Inc()
}

func (m *middlewareMetrics) recordRemoteStatus(id ConnectorID, s RemoteStatus) {
	if m == nil {
		return
	}
	m.remoteBalance.WithLabelValues(string(id), s.Unit).Set(s.AvailableBalance.InexactFloat64())
}

func (m *middlewareMetrics) recordHandled(status ResponseStatus) {
	if m == nil {
		return
	}
	m.messagesHandled.WithLabelValues(status.String()).Inc()
}

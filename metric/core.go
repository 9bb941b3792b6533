package metric

import "github.com/prometheus/client_golang/prometheus"

// CoreMetrics are node-level metrics shared by every CLPR process
type CoreMetrics struct {
	NodeInfo           *prometheus.GaugeVec
	NATSConnected      prometheus.Gauge
	NATSCircuitBreaker prometheus.Gauge
	HealthStatus       prometheus.Gauge
}

func newCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		NodeInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clpr",
			Name:      "node_info",
			Help:      "Static node information; always 1",
		}, []string{"ledger_id", "version"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clpr",
			Subsystem: "nats",
			Name:      "connected",
			Help:      "1 when the NATS connection is up",
		}),
		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clpr",
			Subsystem: "nats",
			Name:      "circuit_open",
			Help:      "1 when the NATS circuit breaker is open",
		}),
		HealthStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clpr",
			Name:      "health_status",
			Help:      "Aggregate health: 0 unhealthy, 1 degraded, 2 healthy",
		}),
	}
}

func (m *CoreMetrics) register(reg prometheus.Registerer) {
	reg.MustRegister(m.NodeInfo, m.NATSConnected, m.NATSCircuitBreaker, m.HealthStatus)
}

// RecordNATS updates the connection gauges
func (m *CoreMetrics) RecordNATS(connected, circuitOpen bool) {
	m.NATSConnected.Set(boolToFloat(connected))
	m.NATSCircuitBreaker.Set(boolToFloat(circuitOpen))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

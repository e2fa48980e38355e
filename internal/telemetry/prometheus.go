package telemetry

import (
	"github.com/andresmejia3/mirage/internal/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports attack progress to Prometheus.
type Metrics struct {
	iterations  prometheus.Counter
	loss        prometheus.Gauge
	warnings    *prometheus.CounterVec
	oracleCalls *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg (prometheus.DefaultRegisterer in
// the CLI, a fresh registry in tests).
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mirage", Subsystem: "attack", Name: "iterations_total",
			Help: "Completed optimizer iterations.",
		}),
		loss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mirage", Subsystem: "attack", Name: "loss",
			Help: "Mean cross-entropy against the target label at the latest iteration.",
		}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirage", Subsystem: "attack", Name: "warnings_total",
			Help: "Non-fatal warnings by kind.",
		}, []string{"kind"}),
		oracleCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirage", Subsystem: "oracle", Name: "calls_total",
			Help: "Oracle calls by operation.",
		}, []string{"op"}),
	}
	for _, c := range []prometheus.Collector{m.iterations, m.loss, m.warnings, m.oracleCalls} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Record(_ int, loss float64) {
	m.iterations.Inc()
	m.loss.Set(loss)
}

func (m *Metrics) Warn(w types.Warning) {
	m.warnings.WithLabelValues(w.Kind).Inc()
}

// AddOracleCalls adds forward and backward call counts, typically read from an oracle.Counting.
func (m *Metrics) AddOracleCalls(forward, backward int64) {
	m.oracleCalls.WithLabelValues("forward").Add(float64(forward))
	m.oracleCalls.WithLabelValues("backward").Add(float64(backward))
}

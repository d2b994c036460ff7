package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/keymeter"
)

// PromMeter exports quota decisions as Prometheus metrics.
//
// Labels never carry API keys or client ids; both are unbounded.
type PromMeter struct {
	Decisions    *prometheus.CounterVec
	WindowResets *prometheus.CounterVec
	Errors       *prometheus.CounterVec
	ConsumeTime  prometheus.Histogram
}

var _ keymeter.Meter = (*PromMeter)(nil)

// NewPromMeter creates the metrics and registers them with reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewPromMeter(reg prometheus.Registerer) (*PromMeter, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PromMeter{
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keymeter_decisions_total",
				Help: "Quota decisions by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		WindowResets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keymeter_window_resets_total",
				Help: "Usage counters reset because the rolling window elapsed",
			},
			[]string{"op"},
		),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keymeter_store_errors_total",
				Help: "Usage store failures by operation",
			},
			[]string{"op"},
		),
		ConsumeTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keymeter_consume_duration_seconds",
				Help:    "Time to check, charge and persist one unit of usage",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
	}

	for _, c := range []prometheus.Collector{m.Decisions, m.WindowResets, m.Errors, m.ConsumeTime} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PromMeter) OnEvaluate(e keymeter.EvaluateEvent) {
	if e.Error != nil {
		m.Errors.WithLabelValues("evaluate").Inc()
		return
	}
	if e.Reset {
		m.WindowResets.WithLabelValues("evaluate").Inc()
	}
	m.Decisions.WithLabelValues("evaluate", outcome(e.Allowed, e.Reason)).Inc()
}

func (m *PromMeter) OnConsume(e keymeter.ConsumeEvent) {
	m.ConsumeTime.Observe(e.Duration.Seconds())
	if e.Error != nil {
		m.Errors.WithLabelValues("consume").Inc()
		return
	}
	if e.Reset {
		m.WindowResets.WithLabelValues("consume").Inc()
	}
	m.Decisions.WithLabelValues("consume", outcome(e.Allowed, e.Reason)).Inc()
}

func outcome(allowed bool, reason keymeter.Reason) string {
	if allowed {
		return "allowed"
	}
	return string(reason)
}

package lazyexpr

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts evaluation work. A nil *Metrics records nothing.
type Metrics struct {
	ChunksEvaluated prometheus.Counter
	Reductions      prometheus.Counter
}

// NewMetrics creates the counters and registers them on reg when it is not
// nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunksEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tessera",
			Subsystem: "lazyexpr",
			Name:      "chunks_evaluated_total",
			Help:      "Output chunks produced by Compute and Save.",
		}),
		Reductions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tessera",
			Subsystem: "lazyexpr",
			Name:      "reductions_total",
			Help:      "Reductions evaluated over their full input.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ChunksEvaluated, m.Reductions)
	}
	return m
}

func (m *Metrics) evaluated() {
	if m != nil {
		m.ChunksEvaluated.Inc()
	}
}

func (m *Metrics) reduced() {
	if m != nil {
		m.Reductions.Inc()
	}
}

package proxy

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts cache traffic. A nil *Metrics records nothing.
type Metrics struct {
	ChunksFetched prometheus.Counter
	BytesFetched  prometheus.Counter
	CacheHits     prometheus.Counter
}

// NewMetrics creates the counters and registers them on reg when it is not
// nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunksFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tessera",
			Subsystem: "proxy",
			Name:      "chunks_fetched_total",
			Help:      "Chunks copied from the source into the cache.",
		}),
		BytesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tessera",
			Subsystem: "proxy",
			Name:      "fetched_bytes_total",
			Help:      "Compressed bytes copied from the source.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tessera",
			Subsystem: "proxy",
			Name:      "cache_hits_total",
			Help:      "Chunks a fetch found already cached.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ChunksFetched, m.BytesFetched, m.CacheHits)
	}
	return m
}

func (m *Metrics) fetched(n int) {
	if m == nil {
		return
	}
	m.ChunksFetched.Inc()
	m.BytesFetched.Add(float64(n))
}

func (m *Metrics) hit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

package tessera

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts chunk activity. A nil *Metrics records nothing.
type Metrics struct {
	ChunksCompressed   prometheus.Counter
	ChunksDecompressed prometheus.Counter
	BytesCompressed    prometheus.Counter
	BytesDecompressed  prometheus.Counter
	ChunkCacheHits     prometheus.Counter
	Flushes            prometheus.Counter
}

// NewMetrics creates the counters and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunksCompressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tessera",
			Name:      "chunks_compressed_total",
			Help:      "Number of chunks compressed.",
		}),
		ChunksDecompressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tessera",
			Name:      "chunks_decompressed_total",
			Help:      "Number of chunks (or partial block ranges) decompressed.",
		}),
		BytesCompressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tessera",
			Name:      "compressed_input_bytes_total",
			Help:      "Uncompressed bytes fed to the compressor.",
		}),
		BytesDecompressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tessera",
			Name:      "decompressed_bytes_total",
			Help:      "Bytes produced by decompression.",
		}),
		ChunkCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tessera",
			Name:      "chunk_cache_hits_total",
			Help:      "Reads served from the decompressed-chunk cache.",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tessera",
			Name:      "flushes_total",
			Help:      "Frame or index manifest writes.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ChunksCompressed, m.ChunksDecompressed, m.BytesCompressed,
			m.BytesDecompressed, m.ChunkCacheHits, m.Flushes)
	}
	return m
}

func (m *Metrics) compressed(n int) {
	if m == nil {
		return
	}
	m.ChunksCompressed.Inc()
	m.BytesCompressed.Add(float64(n))
}

func (m *Metrics) decompressed(n int) {
	if m == nil {
		return
	}
	m.ChunksDecompressed.Inc()
	m.BytesDecompressed.Add(float64(n))
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.ChunkCacheHits.Inc()
	}
}

func (m *Metrics) flushed() {
	if m != nil {
		m.Flushes.Inc()
	}
}

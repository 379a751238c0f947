package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "uploads"

type Metrics struct {
	gatherer prometheus.Gatherer

	SessionsInitialized prometheus.Counter
	ChunksReceived      prometheus.Counter
	ChunkBytes          prometheus.Counter
	Completions         *prometheus.CounterVec
	Cancellations       prometheus.Counter
	Attachments         *prometheus.CounterVec
	AssemblyDuration    prometheus.Histogram
	VariantDuration     prometheus.Histogram
	AssembledBytes      prometheus.Histogram
}

// New registers the service collectors on reg. Tests pass a fresh
// prometheus.NewRegistry to stay isolated.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,

		SessionsInitialized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_initialized_total",
			Help:      "Upload sessions created.",
		}),
		ChunksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_received_total",
			Help:      "Chunk payloads written to scratch storage, resends included.",
		}),
		ChunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Bytes of chunk payloads written.",
		}),
		Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Complete calls by outcome.",
		}, []string{"result"}),
		Cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellations_total",
			Help:      "Sessions erased by cancel.",
		}),
		Attachments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_total",
			Help:      "Attach calls by outcome.",
		}, []string{"result"}),
		AssemblyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assembly_duration_seconds",
			Help:      "Time spent concatenating and hashing chunks.",
			Buckets:   prometheus.DefBuckets,
		}),
		VariantDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "variant_generation_duration_seconds",
			Help:      "Time spent decoding, resizing and storing variants.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		AssembledBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assembled_bytes",
			Help:      "Size of assembled uploads.",
			Buckets:   prometheus.ExponentialBuckets(64*1024, 4, 8),
		}),
	}

	reg.MustRegister(
		m.SessionsInitialized,
		m.ChunksReceived,
		m.ChunkBytes,
		m.Completions,
		m.Cancellations,
		m.Attachments,
		m.AssemblyDuration,
		m.VariantDuration,
		m.AssembledBytes,
	)
	return m
}

// NewNop returns collectors bound to a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Connection metrics
	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	ConnectionDuration prometheus.Histogram

	// Inbound audio metrics
	FragmentsReceived prometheus.Counter
	FragmentBytes     prometheus.Counter
	InvalidMessages   prometheus.Counter

	// Batch path metrics
	BatchesSubmitted prometheus.Counter
	BatchesSucceeded prometheus.Counter
	BatchesFailed    prometheus.Counter
	BatchesEmpty     prometheus.Counter
	BatchesNoSpeech  prometheus.Counter
	BatchDuration    prometheus.Histogram
	BatchSize        prometheus.Histogram

	// Streaming path metrics
	StreamingEvents   *prometheus.CounterVec
	StreamingFailures prometheus.Counter
}

// New creates and registers all metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxrelay_connections_active",
			Help: "Current number of active client connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_connections_total",
			Help: "Total number of client connections accepted",
		}),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxrelay_connection_duration_seconds",
			Help:    "Duration of client connections",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		FragmentsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_fragments_received_total",
			Help: "Total number of audio fragments received from clients",
		}),
		FragmentBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_fragment_bytes_total",
			Help: "Total bytes of raw PCM audio received from clients",
		}),
		InvalidMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_invalid_messages_total",
			Help: "Total number of unparseable or unknown client messages",
		}),

		BatchesSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_batches_submitted_total",
			Help: "Total number of batch transcription requests issued",
		}),
		BatchesSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_batches_succeeded_total",
			Help: "Total number of batch requests that produced a transcription",
		}),
		BatchesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_batches_failed_total",
			Help: "Total number of batch requests that failed",
		}),
		BatchesEmpty: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_batches_empty_total",
			Help: "Total number of drains skipped because the window was empty",
		}),
		BatchesNoSpeech: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_batches_no_speech_total",
			Help: "Total number of batch responses suppressed by the inaudible sentinel",
		}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxrelay_batch_duration_seconds",
			Help:    "Duration of batch transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxrelay_batch_size_bytes",
			Help:    "Size of submitted batch audio payloads in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		StreamingEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_streaming_events_total",
			Help: "Total number of streaming session events by type",
		}, []string{"type"}),
		StreamingFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_streaming_failures_total",
			Help: "Total number of streaming session open or transport failures",
		}),
	}
}

// NewNop returns metrics registered on a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bet channel service.
type Metrics struct {
	// --- Channel Manager ---
	BetsApplied        *prometheus.CounterVec
	BetsRejected       *prometheus.CounterVec
	BetApplyDuration   prometheus.Histogram
	DepositsApplied    prometheus.Counter
	ChannelTransitions *prometheus.CounterVec
	ChannelsActive     prometheus.Gauge

	// --- Idempotency ---
	DedupHits       *prometheus.CounterVec
	DedupLRUSize    prometheus.Gauge
	DedupTier2Error prometheus.Counter

	// --- Settlement ---
	SettlementAttempts   *prometheus.CounterVec
	SettlementDuration   prometheus.Histogram
	SignatureCollectDur  prometheus.Histogram
	SignaturesCollected  prometheus.Histogram
	SubmitAttempts       *prometheus.CounterVec
	SettlementDustTotal  prometheus.Counter
	BatchArchiveFailures prometheus.Counter

	// --- Pipeline queues & Backpressure ---
	QueueSize       *prometheus.GaugeVec
	QueueCapacity   *prometheus.GaugeVec
	ProjectionDrops *prometheus.CounterVec
	PublishDrops    prometheus.Counter

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec
	IngestToApply  prometheus.Histogram

	// --- Persistence ---
	PersistTransitionsWritten prometheus.Counter
	PersistBatchSize          prometheus.Histogram
	PersistBatchDur           prometheus.Histogram
	PersistErrors             *prometheus.CounterVec
	PersistRetry              prometheus.Counter
	RecoveredChannels         prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg. Pass
// prometheus.DefaultRegisterer in main and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	networkBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	return &Metrics{
		BetsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "betch_bets_applied_total",
			Help: "Bets accepted into a channel",
		}, []string{"outcome"}),

		BetsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "betch_bets_rejected_total",
			Help: "Bets rejected (validation, state, version conflict)",
		}, []string{"reason"}),

		BetApplyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "betch_bet_apply_duration_seconds",
			Help:    "Time spent inside the channel critical section per bet",
			Buckets: latencyBuckets,
		}),

		DepositsApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "betch_deposits_applied_total",
			Help: "Funding deposits accepted",
		}),

		ChannelTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "betch_channel_transitions_total",
			Help: "Channel status transitions",
		}, []string{"to"}),

		ChannelsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "betch_channels_active",
			Help: "Channels in open or finalizing status",
		}),

		DedupHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "betch_dedup_hits_total",
			Help: "Duplicate bet request ids detected",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "betch_dedup_lru_size",
			Help: "Current request-id LRU size",
		}),

		DedupTier2Error: f.NewCounter(prometheus.CounterOpts{
			Name: "betch_dedup_tier2_errors_total",
			Help: "Postgres dedup lookup failures",
		}),

		SettlementAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "betch_settlement_attempts_total",
			Help: "finalize_and_settle invocations by result",
		}, []string{"result"}),

		SettlementDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "betch_settlement_duration_seconds",
			Help:    "End-to-end finalize_and_settle latency",
			Buckets: networkBuckets,
		}),

		SignatureCollectDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "betch_signature_collect_duration_seconds",
			Help:    "Time to collect signatures for one batch",
			Buckets: networkBuckets,
		}),

		SignaturesCollected: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "betch_signatures_collected",
			Help:    "Valid signatures collected per batch",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 7, 10, 15},
		}),

		SubmitAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "betch_submit_attempts_total",
			Help: "Chain submission attempts by status",
		}, []string{"status"}),

		SettlementDustTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "betch_settlement_dust_total",
			Help: "Rounding residual left in pools by floor payouts",
		}),

		BatchArchiveFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "betch_batch_archive_failures_total",
			Help: "Settlement batches that could not be archived",
		}),

		QueueSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "betch_queue_size",
			Help: "Current number of items in a pipeline queue",
		}, []string{"queue"}),

		QueueCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "betch_queue_capacity",
			Help: "Capacity of a pipeline queue",
		}, []string{"queue"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "betch_projection_drops_total",
			Help: "Outputs dropped by a full projection queue",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "betch_publish_drops_total",
			Help: "Outbound events dropped by a full publish queue",
		}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "betch_ingest_messages_total",
			Help: "Inbound bet messages by disposition",
		}, []string{"result"}),

		IngestToApply: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "betch_ingest_to_apply_seconds",
			Help:    "NATS receive to bet apply complete",
			Buckets: latencyBuckets,
		}),

		PersistTransitionsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "betch_persist_transitions_written_total",
			Help: "Channel transitions committed to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "betch_persist_batch_size",
			Help:    "Transitions per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "betch_persist_batch_duration_seconds",
			Help:    "Time to commit one persistence batch",
			Buckets: networkBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "betch_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"kind"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "betch_persist_retries_total",
			Help: "Persistence batch retries",
		}),

		RecoveredChannels: f.NewGauge(prometheus.GaugeOpts{
			Name: "betch_recovered_channels",
			Help: "Channels loaded from Postgres at startup",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "betch_query_requests_total",
			Help: "API requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "betch_query_duration_seconds",
			Help:    "API request latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "betch_query_errors_total",
			Help: "API errors",
		}, []string{"endpoint", "code"}),
	}
}

// NewNopMetrics registers on a private registry. Used in tests and tools.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// SetQueueMetrics updates queue utilization metrics.
func (m *Metrics) SetQueueMetrics(name string, size, capacity int) {
	m.QueueSize.WithLabelValues(name).Set(float64(size))
	m.QueueCapacity.WithLabelValues(name).Set(float64(capacity))
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the orchestration layer
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	AttemptsTotal   *prometheus.CounterVec

	// Scheduler metrics
	QueueDepth *prometheus.GaugeVec

	// Breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerRejections  *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec

	// Dedup and batch metrics
	DedupHits  prometheus.Counter
	BatchSize  prometheus.Histogram
	BatchTotal *prometheus.CounterVec

	// Offline queue metrics
	OfflineDepth     prometheus.Gauge
	OfflineEnqueued  prometheus.Counter
	OfflineReplayed  *prometheus.CounterVec
	OfflineAbandoned prometheus.Counter
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "relay",
		Enabled:   true,
	}
}

// NewMetrics creates all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "requests_total",
				Help:      "Total number of requests by priority and outcome",
			},
			[]string{"priority", "outcome"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "request_duration_seconds",
				Help:      "End-to-end request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"priority"},
		),
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "attempts_total",
				Help:      "Total number of transport attempts by result",
			},
			[]string{"result"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "scheduler_queue_depth",
				Help:      "Number of queued tasks per priority level",
			},
			[]string{"priority"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state per origin (0=closed, 1=open, 2=half-open)",
			},
			[]string{"origin"},
		),
		BreakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "breaker_rejections_total",
				Help:      "Requests rejected by an open circuit breaker",
			},
			[]string{"origin"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"origin", "to"},
		),
		DedupHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "dedup_hits_total",
				Help:      "Requests coalesced onto an existing in-flight attempt",
			},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "batch_size",
				Help:      "Number of sub-requests per dispatched batch",
				Buckets:   []float64{1, 2, 3, 5, 8, 10},
			},
		),
		BatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "batches_total",
				Help:      "Dispatched composite batches by outcome",
			},
			[]string{"outcome"},
		),
		OfflineDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "offline_queue_depth",
				Help:      "Entries currently in the offline queue",
			},
		),
		OfflineEnqueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "offline_enqueued_total",
				Help:      "Requests parked in the offline queue",
			},
		),
		OfflineReplayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "offline_replayed_total",
				Help:      "Offline queue replay results",
			},
			[]string{"result"},
		),
		OfflineAbandoned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "offline_abandoned_total",
				Help:      "Offline entries dropped after exceeding the replay cap",
			},
		),
	}

	return m
}

// Register registers all metrics with the given registry
func (m *Metrics) Register(registry *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		m.RequestsTotal,
		m.RequestDuration,
		m.AttemptsTotal,
		m.QueueDepth,
		m.BreakerState,
		m.BreakerRejections,
		m.BreakerTransitions,
		m.DedupHits,
		m.BatchSize,
		m.BatchTotal,
		m.OfflineDepth,
		m.OfflineEnqueued,
		m.OfflineReplayed,
		m.OfflineAbandoned,
	}

	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveRequest records a completed request
func (m *Metrics) ObserveRequest(priority, outcome string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(priority, outcome).Inc()
	m.RequestDuration.WithLabelValues(priority).Observe(duration.Seconds())
}

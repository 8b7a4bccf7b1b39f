// Package metrics defines the Prometheus instrumentation for the drafting
// pipeline. All collectors are registered with the default registry via
// promauto and exposed by the review API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	MessagesSeen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quill_messages_seen_total",
			Help: "Total number of inbound messages examined by the watcher",
		},
		[]string{"outcome"}, // accepted, filtered, duplicate, malformed
	)

	DraftsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quill_drafts_created_total",
			Help: "Total number of drafts created",
		},
	)

	DraftTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quill_draft_transitions_total",
			Help: "Total number of draft status transitions",
		},
		[]string{"from", "to"},
	)

	DraftsTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quill_drafts_terminal_total",
			Help: "Total number of drafts reaching a terminal status",
		},
		[]string{"status"}, // sent, rejected, failed
	)

	ConfidenceScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quill_confidence_score",
			Help:    "Distribution of composite confidence scores",
			Buckets: prometheus.LinearBuckets(0.0, 0.1, 11),
		},
	)

	RiskLevels = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quill_risk_levels_total",
			Help: "Total number of drafts by assessed risk level",
		},
		[]string{"level"},
	)

	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quill_routing_decisions_total",
			Help: "Total number of routing decisions",
		},
		[]string{"decision"}, // auto_send, manual_review, escalate
	)
)

// Backend metrics
var (
	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quill_generation_duration_seconds",
			Help:    "Duration of response generation calls",
			Buckets: []float64{0.5, 1.0, 2.0, 5.0, 10.0, 20.0, 30.0, 60.0},
		},
		[]string{"status"},
	)

	EmbeddingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quill_embedding_duration_seconds",
			Help:    "Duration of embedding calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"status"},
	)

	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quill_index_search_duration_seconds",
			Help:    "Duration of similarity searches against the context index",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)

	IndexEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quill_index_entries",
			Help: "Number of entries in the context index",
		},
	)
)

// Watcher and worker metrics
var (
	WatcherPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quill_watcher_polls_total",
			Help: "Total number of watcher poll cycles",
		},
		[]string{"status"}, // ok, error
	)

	PipelineInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quill_pipeline_in_flight",
			Help: "Number of messages currently being processed",
		},
	)

	PipelineRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quill_pipeline_retries_total",
			Help: "Total number of retried pipeline stages",
		},
		[]string{"stage"}, // generate, search, send
	)
)

// Database and storage metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quill_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quill_db_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation"},
	)

	DBPoolAcquired = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quill_db_pool_acquired_connections",
			Help: "Connections currently acquired from the pool",
		},
	)

	DBPoolTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quill_db_pool_total_connections",
			Help: "Total connections held by the pool",
		},
	)

	ArchiveOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quill_archive_operations_total",
			Help: "Total number of archive store operations",
		},
		[]string{"operation", "status"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quill_notifications_total",
			Help: "Total number of notifications pushed",
		},
		[]string{"event", "status"},
	)
)

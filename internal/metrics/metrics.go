package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Memory service metrics for production monitoring
var (
	// Model gateway metrics
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_gateway_requests_total",
			Help: "Total number of model provider API requests",
		},
		[]string{"provider", "model", "operation", "status"},
	)

	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engram_gateway_request_duration_seconds",
			Help:    "Model provider request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider", "model", "operation"},
	)

	GatewayTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_gateway_tokens_total",
			Help: "Total number of model tokens consumed",
		},
		[]string{"provider", "model", "type"}, // type: input/output
	)

	GatewayCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_gateway_cost_usd_total",
			Help: "Total model API cost in USD",
		},
		[]string{"provider", "model"},
	)

	GatewayCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_gateway_cache_total",
			Help: "Gateway response cache lookups",
		},
		[]string{"operation", "outcome"}, // outcome: hit/miss
	)

	// Retrieval metrics
	RetrievalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_retrievals_total",
			Help: "Total number of retrieval requests",
		},
		[]string{"query_type", "status"},
	)

	RetrievalStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engram_retrieval_stage_duration_seconds",
			Help:    "Retrieval pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"stage"}, // semantic/keyword/rerank/total
	)

	RetrievalBranchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_retrieval_branch_errors_total",
			Help: "Recall branch failures absorbed by hybrid retrieval",
		},
		[]string{"branch"},
	)

	// Write path metrics
	UnitsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_memory_units_written_total",
			Help: "Memory unit compensating-write outcomes",
		},
		[]string{"outcome"}, // committed/compensated/orphaned
	)

	CompressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_compressions_total",
			Help: "Conversation compression outcomes",
		},
		[]string{"status"},
	)

	// Capture queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engram_capture_queue_depth",
			Help: "Number of items waiting in the capture spool",
		},
	)

	QueueItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_capture_queue_items_total",
			Help: "Capture queue item outcomes",
		},
		[]string{"outcome"}, // delivered/retried/dead_letter
	)

	// Janitor metrics
	UnitsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_memory_units_expired_total",
			Help: "Memory units soft-deleted by the TTL sweep",
		},
	)
)

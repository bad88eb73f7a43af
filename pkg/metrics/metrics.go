package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rwa_operations_total",
		Help: "The total number of operations by kind and final status",
	}, []string{"kind", "status"})

	OperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rwa_operation_errors_total",
		Help: "Total number of operation errors by kind and error kind",
	}, []string{"kind", "error_kind"})

	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rwa_operation_seconds",
		Help:    "Time taken from build to final confirmation status",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // Start at 0.5s with 10 buckets doubling in size
	}, []string{"kind"})

	DuplicateRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rwa_duplicate_requests_total",
		Help: "Requests answered from the operation registry without a submission",
	}, []string{"disposition"})

	MintTierOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rwa_mint_tier_outcomes_total",
		Help: "Outcome of each mint tier attempt",
	}, []string{"tier", "outcome"})

	RPCCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rwa_rpc_calls_total",
		Help: "Ledger RPC calls by method and result",
	}, []string{"method", "result"})

	RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rwa_rpc_latency_seconds",
		Help:    "Ledger RPC call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	EndpointHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rwa_rpc_endpoint_healthy",
		Help: "1 if the last health check of the endpoint succeeded",
	}, []string{"url"})

	GatewayFailovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rwa_rpc_failovers_total",
		Help: "Number of times the current endpoint changed",
	})

	ConfirmationPolls = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rwa_confirmation_polls",
		Help:    "Number of status queries needed to resolve a transaction",
		Buckets: []float64{1, 2, 5, 10, 20, 40, 60},
	})

	RetryQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rwa_retry_queue_size",
		Help: "Entries eligible for resubmission at the last scan",
	})

	RetriesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rwa_retries_executed_total",
		Help: "Number of queued resubmissions by outcome",
	}, []string{"outcome"})

	DeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rwa_dead_lettered_total",
		Help: "Number of operations moved to the dead-letter state",
	})

	TxCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rwa_tx_cache_lookups_total",
		Help: "check-transaction cache lookups by result",
	}, []string{"result"})
)

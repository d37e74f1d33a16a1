package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapvault_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swapvault_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	// Execution metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapvault_runs_started_total",
			Help: "Total execution runs started",
		},
		[]string{"direction"},
	)

	RunTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapvault_run_transitions_total",
			Help: "Execution run state transitions",
		},
		[]string{"state"},
	)

	PasscodeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swapvault_passcode_failures_total",
			Help: "Total rejected passcodes",
		},
	)

	LedgerSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapvault_ledger_submissions_total",
			Help: "Transactions submitted to the ledger network",
		},
		[]string{"result"},
	)

	QuoteLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "swapvault_quote_latency_seconds",
			Help:    "Swap quote fetch latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swapvault_rate_limit_hits_total",
			Help: "Total events rejected by the per-identity rate limiter",
		},
	)
)

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Chat turns by tenant, site, and policy mode
//   - LLM request performance, token usage, and fallbacks
//   - Tool execution patterns and latencies
//   - Retrieval strategy usage and fallback reasons
//   - Cache hit rates and alert firings
type Metrics struct {
	// ChatTurns counts completed dialog turns.
	// Labels: tenant, site, policy_mode, status (success|error)
	ChatTurns *prometheus.CounterVec

	// ChatLatency measures end-to-end turn latency in seconds.
	// Labels: tenant, site
	ChatLatency *prometheus.HistogramVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error|fallback)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// RetrievalCounter counts evidence retrievals by the strategy actually
	// used, including fallbacks.
	// Labels: strategy_used, fallback (yes|no)
	RetrievalCounter *prometheus.CounterVec

	// RetrievalHits observes the number of hits per retrieval.
	RetrievalHits prometheus.Histogram

	// GateDecisions counts evidence-gate outcomes.
	// Labels: phase (pre|post), intent, passed (yes|no)
	GateDecisions *prometheus.CounterVec

	// CacheOps counts cache operations.
	// Labels: op (get|set|delete), outcome (hit|miss|error|ok)
	CacheOps *prometheus.CounterVec

	// AlertsFiring counts newly-firing alert episodes.
	// Labels: code, severity
	AlertsFiring *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at startup; the metrics surface at /metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ChatTurns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorekeep_chat_turns_total",
				Help: "Completed dialog turns by policy mode and status",
			},
			[]string{"tenant", "site", "policy_mode", "status"},
		),

		ChatLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lorekeep_chat_latency_seconds",
				Help:    "End-to-end dialog turn latency in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"tenant", "site"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lorekeep_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorekeep_llm_requests_total",
				Help: "LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorekeep_llm_tokens_total",
				Help: "LLM token consumption by direction",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorekeep_tool_executions_total",
				Help: "Tool invocations by name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lorekeep_tool_execution_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"tool_name"},
		),

		RetrievalCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorekeep_retrievals_total",
				Help: "Evidence retrievals by strategy actually used",
			},
			[]string{"strategy_used", "fallback"},
		),

		RetrievalHits: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lorekeep_retrieval_hits",
				Help:    "Number of evidence hits per retrieval",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
			},
		),

		GateDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorekeep_gate_decisions_total",
				Help: "Evidence gate outcomes by phase and intent",
			},
			[]string{"phase", "intent", "passed"},
		),

		CacheOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorekeep_cache_ops_total",
				Help: "Cache operations by outcome",
			},
			[]string{"op", "outcome"},
		),

		AlertsFiring: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorekeep_alerts_firing_total",
				Help: "Newly-firing alert episodes",
			},
			[]string{"code", "severity"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lorekeep_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

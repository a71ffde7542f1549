package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus metrics for the agent execution core.
//
// Metric naming follows Prometheus conventions:
//   - turnstone_ prefix for all metrics
//   - _total suffix for counters
//   - _seconds suffix for durations
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	start := time.Now()
//	resp, err := gateway.Chat(ctx, req)
//	metrics.RecordLLMRequest("openai", "gpt-4o", statusOf(err), time.Since(start),
//	    resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
type Metrics struct {
	// LLM gateway
	llmRequests *prometheus.CounterVec
	llmDuration *prometheus.HistogramVec
	llmTokens   *prometheus.CounterVec

	// Prompt cache accounting
	cacheEvents      *prometheus.CounterVec
	cacheSavedTokens *prometheus.CounterVec

	// Tool execution
	toolExecutions *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec

	// Sandbox sessions
	sandboxActive   *prometheus.GaugeVec
	sandboxCleanups *prometheus.CounterVec
	sandboxCommands *prometheus.CounterVec
	sandboxDuration *prometheus.HistogramVec

	// Turns
	turns        *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec

	// Context compression
	compressions     *prometheus.CounterVec
	compressionRatio prometheus.Histogram

	// Checkpoints
	checkpointSaves    *prometheus.CounterVec
	checkpointDuration prometheus.Histogram

	// Long-term memory
	memoryOps            *prometheus.CounterVec
	memorySearchDuration prometheus.Histogram

	// Errors by component
	errors *prometheus.CounterVec
}

// NewMetrics creates metrics registered on the default Prometheus registry.
// Call once at startup; duplicate registration panics.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates metrics registered on the given registerer. Tests
// pass a fresh registry for isolation.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		llmRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstone_llm_requests_total",
				Help: "Total LLM requests by provider, model, and status.",
			},
			[]string{"provider", "model", "status"},
		),
		llmDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turnstone_llm_request_duration_seconds",
				Help:    "LLM request duration in seconds.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "model"},
		),
		llmTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstone_llm_tokens_total",
				Help: "Total tokens consumed, split by prompt and completion.",
			},
			[]string{"provider", "model", "type"},
		),
		cacheEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstone_prompt_cache_events_total",
				Help: "Prompt cache hits and misses by provider.",
			},
			[]string{"provider", "result"},
		),
		cacheSavedTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstone_prompt_cache_saved_tokens_total",
				Help: "Estimated tokens saved by prompt caching.",
			},
			[]string{"provider"},
		),
		toolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstone_tool_executions_total",
				Help: "Total tool executions by tool name and status.",
			},
			[]string{"tool", "status"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turnstone_tool_execution_duration_seconds",
				Help:    "Tool execution duration in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		sandboxActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "turnstone_sandbox_sessions_active",
				Help: "Currently live sandbox sessions by executor mode.",
			},
			[]string{"mode"},
		),
		sandboxCleanups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstone_sandbox_cleanups_total",
				Help: "Sandbox session cleanups by reason.",
			},
			[]string{"reason"},
		),
		sandboxCommands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstone_sandbox_commands_total",
				Help: "Commands executed in sandbox sessions by mode.",
			},
			[]string{"mode"},
		),
		sandboxDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turnstone_sandbox_session_duration_seconds",
				Help:    "Sandbox session lifetime in seconds.",
				Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
			},
			[]string{"reason"},
		),
		turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstone_turns_total",
				Help: "Completed turns by terminal event type.",
			},
			[]string{"terminal"},
		),
		turnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turnstone_turn_duration_seconds",
				Help:    "End-to-end turn duration in seconds.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"terminal"},
		),
		compressions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstone_compressions_total",
				Help: "Context compressions, split by whether summary generation degraded.",
			},
			[]string{"degraded"},
		),
		compressionRatio: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "turnstone_compression_ratio",
				Help:    "Fraction of tokens removed by compression (0 = none, 1 = all).",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		),
		checkpointSaves: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstone_checkpoint_saves_total",
				Help: "Checkpoint save attempts by status.",
			},
			[]string{"status"},
		),
		checkpointDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "turnstone_checkpoint_save_duration_seconds",
				Help:    "Checkpoint save duration in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		memoryOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstone_memory_operations_total",
				Help: "Long-term memory operations by kind and status.",
			},
			[]string{"operation", "status"},
		),
		memorySearchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "turnstone_memory_search_duration_seconds",
				Help:    "Memory search duration in seconds, including embedding.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),
		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstone_errors_total",
				Help: "Errors by component and type.",
			},
			[]string{"component", "type"},
		),
	}
}

// RecordLLMRequest tracks one gateway request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	m.llmRequests.WithLabelValues(provider, model, status).Inc()
	m.llmDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if promptTokens > 0 {
		m.llmTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.llmTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordCacheHit tracks a prompt-cache hit and its estimated savings.
func (m *Metrics) RecordCacheHit(provider string, savedTokens float64) {
	m.cacheEvents.WithLabelValues(provider, "hit").Inc()
	if savedTokens > 0 {
		m.cacheSavedTokens.WithLabelValues(provider).Add(savedTokens)
	}
}

// RecordCacheMiss tracks a prompt-cache miss (cache creation).
func (m *Metrics) RecordCacheMiss(provider string) {
	m.cacheEvents.WithLabelValues(provider, "miss").Inc()
}

// RecordToolExecution tracks one tool run.
func (m *Metrics) RecordToolExecution(tool, status string, duration time.Duration) {
	m.toolExecutions.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// SandboxSessionStarted increments the live-session gauge.
func (m *Metrics) SandboxSessionStarted(mode string) {
	m.sandboxActive.WithLabelValues(mode).Inc()
}

// SandboxSessionEnded decrements the gauge and records lifetime and reason.
func (m *Metrics) SandboxSessionEnded(mode, reason string, lifetime time.Duration) {
	m.sandboxActive.WithLabelValues(mode).Dec()
	m.sandboxCleanups.WithLabelValues(reason).Inc()
	m.sandboxDuration.WithLabelValues(reason).Observe(lifetime.Seconds())
}

// RecordSandboxCommand counts a command executed in a session.
func (m *Metrics) RecordSandboxCommand(mode string) {
	m.sandboxCommands.WithLabelValues(mode).Inc()
}

// RecordTurn tracks a finished turn by its terminal event.
func (m *Metrics) RecordTurn(terminal string, duration time.Duration) {
	m.turns.WithLabelValues(terminal).Inc()
	m.turnDuration.WithLabelValues(terminal).Observe(duration.Seconds())
}

// RecordCompression tracks one compression pass.
func (m *Metrics) RecordCompression(ratio float64, degraded bool) {
	label := "false"
	if degraded {
		label = "true"
	}
	m.compressions.WithLabelValues(label).Inc()
	m.compressionRatio.Observe(ratio)
}

// RecordCheckpointSave tracks one checkpoint save attempt.
func (m *Metrics) RecordCheckpointSave(status string, duration time.Duration) {
	m.checkpointSaves.WithLabelValues(status).Inc()
	m.checkpointDuration.Observe(duration.Seconds())
}

// RecordMemoryOperation tracks a memory put/search/delete.
func (m *Metrics) RecordMemoryOperation(operation, status string) {
	m.memoryOps.WithLabelValues(operation, status).Inc()
}

// RecordMemorySearchDuration tracks search latency separately so puts do not
// skew it.
func (m *Metrics) RecordMemorySearchDuration(duration time.Duration) {
	m.memorySearchDuration.Observe(duration.Seconds())
}

// RecordError tracks an error by component and type.
func (m *Metrics) RecordError(component, errorType string) {
	m.errors.WithLabelValues(component, errorType).Inc()
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - LLM request performance, token consumption, and cost
//   - Tool execution patterns and latencies
//   - Session log growth by entry type
//   - Compaction and retry activity
//   - Error rates categorized by component
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	start := time.Now()
//	// ... stream a model response ...
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4-5", "success",
//	    time.Since(start).Seconds(), usage.Input, usage.Output, usage.CacheRead, usage.CacheWrite)
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error|aborted)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output|cache_read|cache_write)
	LLMTokensUsed *prometheus.CounterVec

	// LLMCost tracks estimated spend in USD.
	// Labels: provider, model
	LLMCost *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// EntriesAppended counts session log records by entry type.
	// Labels: type
	EntriesAppended *prometheus.CounterVec

	// CompactionCounter counts history compactions.
	// Labels: trigger (auto|manual|overflow), status (success|error|aborted)
	CompactionCounter *prometheus.CounterVec

	// RetryCounter counts provider call retries.
	// Labels: provider, reason
	RetryCounter *prometheus.CounterVec

	// RuleTriggerCounter counts response rule injections.
	// Labels: rule
	RuleTriggerCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by type and component.
	// Labels: component (agent|session|tool|provider|shell), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveRuns is a gauge tracking agent runs currently in flight.
	ActiveRuns prometheus.Gauge

	// StoreWriteDuration measures session store write latency.
	// Labels: backend (jsonl|sqlite|postgres|memory)
	StoreWriteDuration *prometheus.HistogramVec

	// StoreWriteCounter counts session store writes.
	// Labels: backend, status (success|error)
	StoreWriteCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with Prometheus's default
// registry. Call once at application startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics against the given registerer. Tests use
// this with a private registry to avoid duplicate registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strand_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		LLMCost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_llm_cost_usd_total",
				Help: "Estimated LLM spend in USD by provider and model",
			},
			[]string{"provider", "model"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strand_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		EntriesAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_session_entries_total",
				Help: "Total number of session log entries appended by type",
			},
			[]string{"type"},
		),

		CompactionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_compactions_total",
				Help: "Total number of history compactions by trigger and status",
			},
			[]string{"trigger", "status"},
		),

		RetryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_llm_retries_total",
				Help: "Total number of provider call retries by provider and reason",
			},
			[]string{"provider", "reason"},
		),

		RuleTriggerCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_rule_triggers_total",
				Help: "Total number of response rule injections by rule name",
			},
			[]string{"rule"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "strand_active_runs",
				Help: "Number of agent runs currently in flight",
			},
		),

		StoreWriteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strand_store_write_duration_seconds",
				Help:    "Duration of session store writes in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"backend"},
		),

		StoreWriteCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_store_writes_total",
				Help: "Total number of session store writes by backend and status",
			},
			[]string{"backend", "status"},
		),
	}
}

// RecordLLMRequest records metrics for one provider call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, input, output, cacheRead, cacheWrite int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if input > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(input))
	}
	if output > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(output))
	}
	if cacheRead > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "cache_read").Add(float64(cacheRead))
	}
	if cacheWrite > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "cache_write").Add(float64(cacheWrite))
	}
}

// RecordLLMCost adds estimated spend for one provider call.
func (m *Metrics) RecordLLMCost(provider, model string, usd float64) {
	if usd > 0 {
		m.LLMCost.WithLabelValues(provider, model).Add(usd)
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordEntryAppended counts one session log record.
func (m *Metrics) RecordEntryAppended(entryType string) {
	m.EntriesAppended.WithLabelValues(entryType).Inc()
}

// RecordCompaction records one compaction pass.
func (m *Metrics) RecordCompaction(trigger, status string) {
	m.CompactionCounter.WithLabelValues(trigger, status).Inc()
}

// RecordRetry counts one scheduled retry.
func (m *Metrics) RecordRetry(provider, reason string) {
	m.RetryCounter.WithLabelValues(provider, reason).Inc()
}

// RecordRuleTrigger counts one response rule injection.
func (m *Metrics) RecordRuleTrigger(rule string) {
	m.RuleTriggerCounter.WithLabelValues(rule).Inc()
}

// RecordError increments the error counter for a component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RunStarted increments the active runs gauge.
func (m *Metrics) RunStarted() {
	m.ActiveRuns.Inc()
}

// RunEnded decrements the active runs gauge.
func (m *Metrics) RunEnded() {
	m.ActiveRuns.Dec()
}

// RecordStoreWrite records one session store write.
func (m *Metrics) RecordStoreWrite(backend, status string, durationSeconds float64) {
	m.StoreWriteCounter.WithLabelValues(backend, status).Inc()
	m.StoreWriteDuration.WithLabelValues(backend).Observe(durationSeconds)
}

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus instrumentation for a kiwid process. A nil
// *Metrics is valid and every Record* method no-ops on it, so callers never
// need to branch on whether metrics collection is enabled.
type Metrics struct {
	config   *MetricsConfig
	registry *prometheus.Registry

	// Thread metrics
	threadsSpawned    *prometheus.CounterVec
	threadTurns       *prometheus.CounterVec
	threadTurnSeconds *prometheus.HistogramVec
	threadsActive     *prometheus.GaugeVec
	threadDepth       *prometheus.HistogramVec

	// LLM metrics
	llmCalls        *prometheus.CounterVec
	llmCallDuration *prometheus.HistogramVec
	llmTokensInput  *prometheus.CounterVec
	llmTokensOutput *prometheus.CounterVec
	llmErrors       *prometheus.CounterVec

	// Tool metrics
	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	toolErrors       *prometheus.CounterVec

	// Manifest metrics
	manifestLoads    *prometheus.CounterVec
	manifestLoadDur  *prometheus.HistogramVec
	manifestNotFound *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance from configuration. It returns
// (nil, nil) when cfg is nil or disabled, matching the teacher's pattern of
// a no-op instance rather than an error for "metrics off".
func NewMetrics(cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	cfg.SetDefaults()

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}

	m.initThreadMetrics()
	m.initLLMMetrics()
	m.initToolMetrics()
	m.initManifestMetrics()
	m.initHTTPMetrics()

	return m, nil
}

func (m *Metrics) initThreadMetrics() {
	m.threadsSpawned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "thread",
			Name:      "spawned_total",
			Help:      "Total number of threads spawned",
		},
		[]string{"directive_id"},
	)

	m.threadTurns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "thread",
			Name:      "turns_total",
			Help:      "Total number of reasoning turns executed",
		},
		[]string{"directive_id", "status"},
	)

	m.threadTurnSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "thread",
			Name:      "turn_duration_seconds",
			Help:      "Duration of a single reasoning turn in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to 204s
		},
		[]string{"directive_id"},
	)

	m.threadsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.config.Namespace,
			Subsystem: "thread",
			Name:      "active",
			Help:      "Number of currently running threads",
		},
		[]string{"directive_id"},
	)

	m.threadDepth = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "thread",
			Name:      "spawn_depth",
			Help:      "Spawn depth of threads at creation time",
			Buckets:   prometheus.LinearBuckets(0, 1, 6), // 0..5
		},
		[]string{"directive_id"},
	)

	m.registry.MustRegister(m.threadsSpawned, m.threadTurns, m.threadTurnSeconds, m.threadsActive, m.threadDepth)
}

func (m *Metrics) initLLMMetrics() {
	m.llmCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Total number of LLM API calls",
		},
		[]string{"model", "provider"},
	)

	m.llmCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "LLM API call duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to 204s
		},
		[]string{"model", "provider"},
	)

	m.llmTokensInput = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "llm",
			Name:      "tokens_input_total",
			Help:      "Total number of input tokens consumed",
		},
		[]string{"model", "provider"},
	)

	m.llmTokensOutput = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "llm",
			Name:      "tokens_output_total",
			Help:      "Total number of output tokens generated",
		},
		[]string{"model", "provider"},
	)

	m.llmErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "llm",
			Name:      "errors_total",
			Help:      "Total number of LLM API errors",
		},
		[]string{"model", "provider", "error_type"},
	)

	m.registry.MustRegister(m.llmCalls, m.llmCallDuration, m.llmTokensInput, m.llmTokensOutput, m.llmErrors)
}

func (m *Metrics) initToolMetrics() {
	m.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total number of tool executions",
		},
		[]string{"tool_id", "action"},
	)

	m.toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "tool",
			Name:      "call_duration_seconds",
			Help:      "Tool execution duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to 16s
		},
		[]string{"tool_id", "action"},
	)

	m.toolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "tool",
			Name:      "errors_total",
			Help:      "Total number of tool execution errors",
		},
		[]string{"tool_id", "action", "error_type"},
	)

	m.registry.MustRegister(m.toolCalls, m.toolCallDuration, m.toolErrors)
}

func (m *Metrics) initManifestMetrics() {
	m.manifestLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "manifest",
			Name:      "loads_total",
			Help:      "Total number of manifest loads, by cache outcome",
		},
		[]string{"item_type", "outcome"},
	)

	m.manifestLoadDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "manifest",
			Name:      "load_duration_seconds",
			Help:      "Manifest load duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to 4s
		},
		[]string{"item_type"},
	)

	m.manifestNotFound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "manifest",
			Name:      "not_found_total",
			Help:      "Total number of manifest loads that resolved to nothing",
		},
		[]string{"item_type"},
	)

	m.registry.MustRegister(m.manifestLoads, m.manifestLoadDur, m.manifestNotFound)
}

func (m *Metrics) initHTTPMetrics() {
	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the front-end",
		},
		[]string{"method", "path", "status"},
	)

	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.registry.MustRegister(m.httpRequests, m.httpDuration)
}

// RecordThreadSpawned records a thread being created at the given depth.
func (m *Metrics) RecordThreadSpawned(directiveID string, depth int) {
	if m == nil {
		return
	}
	m.threadsSpawned.WithLabelValues(directiveID).Inc()
	m.threadDepth.WithLabelValues(directiveID).Observe(float64(depth))
}

// RecordThreadTurn records one reasoning turn's outcome and duration.
func (m *Metrics) RecordThreadTurn(directiveID, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.threadTurns.WithLabelValues(directiveID, status).Inc()
	m.threadTurnSeconds.WithLabelValues(directiveID).Observe(duration.Seconds())
}

// SetThreadsActive sets the number of currently running threads for a directive.
func (m *Metrics) SetThreadsActive(directiveID string, count int) {
	if m == nil {
		return
	}
	m.threadsActive.WithLabelValues(directiveID).Set(float64(count))
}

// RecordLLMCall records an LLM API call.
func (m *Metrics) RecordLLMCall(model, provider string, duration time.Duration) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(model, provider).Inc()
	m.llmCallDuration.WithLabelValues(model, provider).Observe(duration.Seconds())
}

// RecordLLMTokens records token usage for one LLM call.
func (m *Metrics) RecordLLMTokens(model, provider string, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.llmTokensInput.WithLabelValues(model, provider).Add(float64(inputTokens))
	m.llmTokensOutput.WithLabelValues(model, provider).Add(float64(outputTokens))
}

// RecordLLMError records an LLM call error.
func (m *Metrics) RecordLLMError(model, provider, errorType string) {
	if m == nil {
		return
	}
	m.llmErrors.WithLabelValues(model, provider, errorType).Inc()
}

// RecordToolCall records a tool execution and its duration.
func (m *Metrics) RecordToolCall(toolID, action string, duration time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(toolID, action).Inc()
	m.toolCallDuration.WithLabelValues(toolID, action).Observe(duration.Seconds())
}

// RecordToolError records a tool execution error.
func (m *Metrics) RecordToolError(toolID, action, errorType string) {
	if m == nil {
		return
	}
	m.toolErrors.WithLabelValues(toolID, action, errorType).Inc()
}

// RecordManifestLoad records a manifest load's cache outcome (hit, miss,
// singleflight_shared) and duration.
func (m *Metrics) RecordManifestLoad(itemType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.manifestLoads.WithLabelValues(itemType, outcome).Inc()
	m.manifestLoadDur.WithLabelValues(itemType).Observe(duration.Seconds())
}

// RecordManifestNotFound records a load that resolved to nothing in any tier.
func (m *Metrics) RecordManifestNotFound(itemType string) {
	if m == nil {
		return
	}
	m.manifestNotFound.WithLabelValues(itemType).Inc()
}

// RecordHTTPRequest records a completed HTTP request against the front-end.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	status := statusCodeLabel(statusCode)
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func statusCodeLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint. A
// nil Metrics serves 503 so a front-end can mount it unconditionally.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry, or nil if disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

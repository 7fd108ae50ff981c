// Package metrics exposes Prometheus instrumentation for the transform
// pipeline and the relay. All collectors are registered with the default
// registry and served by the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Responses counts processed chat completion responses by delivery mode
	// and transform disposition.
	Responses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reason_proxy",
		Name:      "responses_total",
		Help:      "Chat completion responses processed, by mode and disposition.",
	}, []string{"mode", "disposition"})

	// ToolCallsExtracted counts tool invocations recovered from inline
	// markup, by the grammar that matched.
	ToolCallsExtracted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reason_proxy",
		Name:      "tool_calls_extracted_total",
		Help:      "Tool invocations extracted from inline markup, by grammar.",
	}, []string{"grammar"})

	// SessionsActive tracks the number of live stream sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reason_proxy",
		Name:      "sessions_active",
		Help:      "Stream sessions currently tracked by the registry.",
	})

	// SessionsCreated counts stream session creations.
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reason_proxy",
		Name:      "sessions_created_total",
		Help:      "Stream sessions created.",
	})

	// SessionsEvicted counts sessions removed by the idle sweeper rather
	// than by a terminal signal.
	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reason_proxy",
		Name:      "sessions_evicted_total",
		Help:      "Stream sessions evicted after exceeding the idle TTL.",
	})

	// SessionBytes tracks the aggregate buffered bytes across sessions,
	// sampled by the sweeper.
	SessionBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reason_proxy",
		Name:      "session_buffered_bytes",
		Help:      "Approximate bytes withheld across all stream sessions.",
	})

	// ForceFlushes counts buffer-cap force flushes, where withheld text was
	// released verbatim to bound memory.
	ForceFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reason_proxy",
		Name:      "force_flushes_total",
		Help:      "Times a session buffer hit its cap and was flushed as literal text.",
	})

	// PartialDiscards counts unterminated markup spans dropped at stream
	// end.
	PartialDiscards = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reason_proxy",
		Name:      "partial_discards_total",
		Help:      "Unterminated markup spans discarded at stream end.",
	})

	// UpstreamErrors counts failed upstream requests issued by the relay.
	UpstreamErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reason_proxy",
		Name:      "upstream_errors_total",
		Help:      "Upstream requests that failed before a response arrived.",
	})
)

// RecordResponse counts one processed response.
func RecordResponse(mode, disposition string) {
	Responses.WithLabelValues(mode, disposition).Inc()
}

// RecordToolCalls counts invocations extracted by one grammar.
func RecordToolCalls(grammar string, count int) {
	if count > 0 && grammar != "" {
		ToolCallsExtracted.WithLabelValues(grammar).Add(float64(count))
	}
}

// Package metrics exposes the bridge's prometheus instrumentation: RPC
// counts by method/outcome, rate-limit rejections, active session gauge,
// event-bus fan-out attempts/failures, and runner poll cycles. Grounded
// on the rest of the example pack's prometheus/client_golang usage
// (counter/gauge vectors registered against a package-level registry and
// served at /metrics).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RPCRequests counts tools/call and other JSON-RPC dispatches by
	// method and outcome ("ok" or "error").
	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agorai",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "JSON-RPC requests handled, by method and outcome.",
	}, []string{"method", "outcome"})

	// RateLimitRejections counts 429 responses by agent.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agorai",
		Subsystem: "ratelimit",
		Name:      "rejections_total",
		Help:      "Requests rejected by the per-agent token bucket.",
	}, []string{"agent_id"})

	// ActiveSessions is a gauge of currently live sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agorai",
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Number of currently active bridge sessions.",
	})

	// DispatchAttempts counts SSE push attempts by outcome.
	DispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agorai",
		Subsystem: "dispatch",
		Name:      "pushes_total",
		Help:      "SSE notification pushes attempted, by outcome.",
	}, []string{"outcome"})

	// RunnerPollCycles counts internal-agent poll loop iterations.
	RunnerPollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agorai",
		Subsystem: "runner",
		Name:      "poll_cycles_total",
		Help:      "Internal agent runner poll loop iterations, by agent name.",
	}, []string{"agent_name"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics defines Prometheus metrics for the conductor daemon.
//
// All metrics are registered with the default registry and served on the
// gateway's /metrics endpoint.
//
// Metric naming follows Prometheus conventions:
//   - conductor_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TicksTotal counts scheduler ticks, including skipped ones.
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_scheduler_ticks_total",
			Help: "Total scheduler ticks by outcome (run, skipped).",
		},
		[]string{"outcome"},
	)

	// TickDurationSeconds is a histogram of full tick pass duration.
	TickDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_scheduler_tick_duration_seconds",
			Help:    "Duration of scheduler tick passes in seconds.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// DispatchesTotal counts work item dispatches by lane and model tier.
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_dispatches_total",
			Help: "Total work item dispatches by lane and model tier.",
		},
		[]string{"lane", "tier"},
	)

	// RunsTotal counts completed runs by terminal status.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_runs_total",
			Help: "Total completed runs by terminal status.",
		},
		[]string{"status"},
	)

	// RunDurationSeconds is a histogram of run duration by lane.
	RunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_run_duration_seconds",
			Help:    "Duration of work item runs in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
		[]string{"lane"},
	)

	// TokensUsedTotal counts tokens consumed by model.
	TokensUsedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tokens_used_total",
			Help: "Total tokens consumed by runs.",
		},
		[]string{"model"},
	)

	// RetriesTotal counts retry dispatches by error signature presence.
	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_retries_total",
			Help: "Total work item retries scheduled.",
		},
	)

	// EscalationsTotal counts escalations by kind and severity.
	EscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_escalations_total",
			Help: "Total escalations raised by kind and severity.",
		},
		[]string{"kind", "severity"},
	)

	// GateRunsTotal counts quality gate executions by type and result.
	GateRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_gate_runs_total",
			Help: "Total quality gate executions by gate type and result.",
		},
		[]string{"type", "result"},
	)

	// ActiveRuns is the number of currently executing runs per lane.
	ActiveRuns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_active_runs",
			Help: "Number of runs currently executing per lane.",
		},
		[]string{"lane"},
	)

	// ActiveConnections is the number of authenticated gateway sessions.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_gateway_connections",
			Help: "Number of authenticated gateway sessions.",
		},
	)

	// FramesTotal counts gateway frames by direction and frame type.
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_gateway_frames_total",
			Help: "Total gateway frames by direction (in, out) and type.",
		},
		[]string{"direction", "type"},
	)

	// BroadcastDropsTotal counts events dropped from slow session queues.
	BroadcastDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_gateway_broadcast_drops_total",
			Help: "Total events dropped because a session queue was full.",
		},
	)

	// AuthFailuresTotal counts failed authentication attempts by reason.
	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_gateway_auth_failures_total",
			Help: "Total failed authentication attempts by reason.",
		},
		[]string{"reason"},
	)

	// LLMRequestsTotal counts provider requests by provider, model and status.
	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_llm_requests_total",
			Help: "Total LLM provider requests by provider, model and status.",
		},
		[]string{"provider", "model", "status"},
	)

	// LLMRequestDurationSeconds is a histogram of provider request latency.
	LLMRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_llm_request_duration_seconds",
			Help:    "Latency of LLM provider requests in seconds.",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	// LLMFailoversTotal counts fallback hops to a secondary model or endpoint.
	LLMFailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_llm_failovers_total",
			Help: "Total failovers to a fallback endpoint or model.",
		},
		[]string{"kind"},
	)

	// LLMCooloffsTotal counts endpoints placed in cool-off.
	LLMCooloffsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_llm_cooloffs_total",
			Help: "Total times an endpoint entered cool-off.",
		},
		[]string{"endpoint"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		TickDurationSeconds,
		DispatchesTotal,
		RunsTotal,
		RunDurationSeconds,
		TokensUsedTotal,
		RetriesTotal,
		EscalationsTotal,
		GateRunsTotal,
		ActiveRuns,
		ActiveConnections,
		FramesTotal,
		BroadcastDropsTotal,
		AuthFailuresTotal,
		LLMRequestsTotal,
		LLMRequestDurationSeconds,
		LLMFailoversTotal,
		LLMCooloffsTotal,
	)
}

// RecordTick records one scheduler tick pass.
func RecordTick(skipped bool, duration time.Duration) {
	if skipped {
		TicksTotal.WithLabelValues("skipped").Inc()
		return
	}
	TicksTotal.WithLabelValues("run").Inc()
	TickDurationSeconds.Observe(duration.Seconds())
}

// RecordDispatch records a work item dispatch.
func RecordDispatch(lane, tier string) {
	DispatchesTotal.WithLabelValues(lane, tier).Inc()
	ActiveRuns.WithLabelValues(lane).Inc()
}

// RecordRunComplete records metrics for a finished run.
func RecordRunComplete(lane, status, model string, duration time.Duration, tokens int64) {
	RunsTotal.WithLabelValues(status).Inc()
	RunDurationSeconds.WithLabelValues(lane).Observe(duration.Seconds())
	if model != "" {
		TokensUsedTotal.WithLabelValues(model).Add(float64(tokens))
	}
	ActiveRuns.WithLabelValues(lane).Dec()
}

// RecordEscalation records a single raised escalation.
func RecordEscalation(kind, severity string) {
	EscalationsTotal.WithLabelValues(kind, severity).Inc()
}

// RecordGateRun records a single quality gate execution.
func RecordGateRun(gateType string, passed bool) {
	result := "failed"
	if passed {
		result = "passed"
	}
	GateRunsTotal.WithLabelValues(gateType, result).Inc()
}

// RecordLLMRequest records one provider request attempt.
func RecordLLMRequest(provider, model, status string, duration time.Duration) {
	LLMRequestsTotal.WithLabelValues(provider, model, status).Inc()
	LLMRequestDurationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordLLMFailover records one fallback hop. Kind is "endpoint" or "model".
func RecordLLMFailover(kind string) {
	LLMFailoversTotal.WithLabelValues(kind).Inc()
}

// RecordLLMCooloff records an endpoint entering cool-off.
func RecordLLMCooloff(endpoint string) {
	LLMCooloffsTotal.WithLabelValues(endpoint).Inc()
}

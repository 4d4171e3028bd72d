// Package observability — metrics.go
//
// Prometheus metrics for the sentinel agent.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: sentinel_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Mode/intent/veto/status labels use fixed string enums (≤6 values each).
//   - SessionID is NOT used as a label (unbounded cardinality). Per-session
//     values (budget remaining, health score) are gauges holding whichever
//     session reported last; they are not aggregated across sessions.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for sentinel.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Event processing ────────────────────────────────────────────────────

	// EventsProcessedTotal counts AgentEvents run through Process.
	EventsProcessedTotal prometheus.Counter

	// ActiveSessions is the current number of live Pipeline sessions.
	ActiveSessions prometheus.Gauge

	// ─── Classifier ───────────────────────────────────────────────────────────

	// StateTransitionsTotal counts ActivityState mode transitions.
	// Labels: from_mode, to_mode
	StateTransitionsTotal *prometheus.CounterVec

	// IntensityTotal counts events by the intensity bucket they land in.
	// Labels: intensity
	IntensityTotal *prometheus.CounterVec

	// ─── Intent ───────────────────────────────────────────────────────────────

	// IntentsTotal counts IntentDecisions issued, by intent.
	IntentsTotal *prometheus.CounterVec

	// IntentConfidence records the distribution of decision confidence.
	IntentConfidence prometheus.Histogram

	// ─── Safety gate ──────────────────────────────────────────────────────────

	// DecisionsTotal counts SafetyDecisions, by allowed/blocked.
	DecisionsTotal *prometheus.CounterVec

	// VetoesTotal counts rejections, by veto reason.
	VetoesTotal *prometheus.CounterVec

	// BudgetTokensRemaining is the most recently reported remaining budget.
	BudgetTokensRemaining prometheus.Gauge

	// HealthScore is the SafetyGate health score most recently reported by
	// any session.
	HealthScore prometheus.Gauge

	// ─── Execution ────────────────────────────────────────────────────────────

	// ExecutionResultsTotal counts ExecutionResults, by status.
	ExecutionResultsTotal *prometheus.CounterVec

	// ExecutionLatency records adapter execution latency.
	ExecutionLatency prometheus.Histogram

	// ─── Faults ───────────────────────────────────────────────────────────────

	// ComponentFaultsTotal counts defensive-degradation events, by component.
	ComponentFaultsTotal *prometheus.CounterVec

	// ─── Storage ──────────────────────────────────────────────────────────────

	// LedgerWriteLatency records bbolt write transaction latency.
	LedgerWriteLatency prometheus.Histogram

	// ─── Agent ────────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the agent started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all sentinel Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		EventsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "events",
			Name:      "processed_total",
			Help:      "Total AgentEvents run through Pipeline.Process.",
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "session",
			Name:      "active",
			Help:      "Current number of live Pipeline sessions.",
		}),

		StateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "classifier",
			Name:      "state_transitions_total",
			Help:      "Total ActivityState mode transitions, by from_mode and to_mode.",
		}, []string{"from_mode", "to_mode"}),

		IntensityTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "classifier",
			Name:      "intensity_total",
			Help:      "Total events classified at each intensity level.",
		}, []string{"intensity"}),

		IntentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "intent",
			Name:      "decisions_total",
			Help:      "Total IntentDecisions issued, by intent.",
		}, []string{"intent"}),

		IntentConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Subsystem: "intent",
			Name:      "confidence",
			Help:      "Distribution of IntentDecision confidence values.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "safety",
			Name:      "decisions_total",
			Help:      "Total SafetyDecisions, by allowed status.",
		}, []string{"allowed"}),

		VetoesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "safety",
			Name:      "vetoes_total",
			Help:      "Total rejected SafetyDecisions, by veto reason.",
		}, []string{"veto_reason"}),

		BudgetTokensRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "safety",
			Name:      "budget_tokens_remaining",
			Help:      "Most recently reported remaining token budget.",
		}),

		HealthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "safety",
			Name:      "health_score",
			Help:      "Current SafetyGate health score in [0, 1].",
		}),

		ExecutionResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "execution",
			Name:      "results_total",
			Help:      "Total ExecutionResults, by status.",
		}, []string{"status"}),

		ExecutionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Subsystem: "execution",
			Name:      "latency_seconds",
			Help:      "Execution adapter latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		ComponentFaultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "pipeline",
			Name:      "component_faults_total",
			Help:      "Total defensive-degradation events, by component.",
		}, []string{"component"}),

		LedgerWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Subsystem: "telemetry",
			Name:      "ledger_write_latency_seconds",
			Help:      "bbolt write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the agent started.",
		}),
	}

	reg.MustRegister(
		m.EventsProcessedTotal,
		m.ActiveSessions,
		m.StateTransitionsTotal,
		m.IntensityTotal,
		m.IntentsTotal,
		m.IntentConfidence,
		m.DecisionsTotal,
		m.VetoesTotal,
		m.BudgetTokensRemaining,
		m.HealthScore,
		m.ExecutionResultsTotal,
		m.ExecutionLatency,
		m.ComponentFaultsTotal,
		m.LedgerWriteLatency,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}

// Observe folds one pipeline.Outcome's worth of decisions into the metric
// set. Takes primitive fields rather than importing the pipeline package,
// to avoid a dependency cycle (pipeline may one day want to report via an
// observability hook).
func (m *Metrics) Observe(fromMode, toMode, intensity, intent string, confidence float64, allowed bool, vetoReason string, remainingBudget int, healthScore float64, execStatus string, execLatencySeconds float64) {
	m.EventsProcessedTotal.Inc()
	if fromMode != toMode {
		m.StateTransitionsTotal.WithLabelValues(fromMode, toMode).Inc()
	}
	m.IntensityTotal.WithLabelValues(intensity).Inc()
	m.IntentsTotal.WithLabelValues(intent).Inc()
	m.IntentConfidence.Observe(confidence)

	allowedLabel := "true"
	if !allowed {
		allowedLabel = "false"
	}
	m.DecisionsTotal.WithLabelValues(allowedLabel).Inc()
	if vetoReason != "" {
		m.VetoesTotal.WithLabelValues(vetoReason).Inc()
	}
	m.BudgetTokensRemaining.Set(float64(remainingBudget))
	m.HealthScore.Set(healthScore)

	m.ExecutionResultsTotal.WithLabelValues(execStatus).Inc()
	m.ExecutionLatency.Observe(execLatencySeconds)
}

// ObserveFault records a defensive-degradation event for component.
func (m *Metrics) ObserveFault(component string) {
	m.ComponentFaultsTotal.WithLabelValues(component).Inc()
}

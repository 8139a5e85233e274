package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for deployments. A Metrics created
// with metrics disabled accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	deploysStarted   *prometheus.CounterVec
	deploysCompleted *prometheus.CounterVec
	deployDuration   *prometheus.HistogramVec
	activeDeploys    prometheus.Gauge
	passes           prometheus.Counter

	nodeTransitions *prometheus.CounterVec
	nodesByStatus   *prometheus.GaugeVec

	actionsExecuted *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec

	timeouts      prometheus.Counter
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	policyDenials *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a registry of their own.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deploysStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_started_total",
				Help:      "Total number of deployments started",
			},
			[]string{"goal"},
		),
		deploysCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_completed_total",
				Help:      "Total number of deployments completed",
			},
			[]string{"status"},
		),
		deployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Duration of deployments in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeDeploys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_deployments",
				Help:      "Current number of running deployments",
			},
		),
		passes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_passes_total",
				Help:      "Total number of scheduler passes over the execution graph",
			},
		),

		nodeTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_transitions_total",
				Help:      "Total number of node status transitions",
			},
			[]string{"status", "primitive"},
		),
		nodesByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nodes",
				Help:      "Number of nodes of the current deployment by status",
			},
			[]string{"status"},
		),

		actionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_executed_total",
				Help:      "Total number of actions executed",
			},
			[]string{"outcome"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of actions in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),

		timeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployment_timeouts_total",
				Help:      "Total number of deployments that hit their deadline",
			},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of plans rejected by policy",
			},
			[]string{"policy"},
		),
	}

	registry.MustRegister(
		m.deploysStarted,
		m.deploysCompleted,
		m.deployDuration,
		m.activeDeploys,
		m.passes,
		m.nodeTransitions,
		m.nodesByStatus,
		m.actionsExecuted,
		m.actionDuration,
		m.timeouts,
		m.errorsByClass,
		m.errorsByCode,
		m.policyDenials,
	)

	return m, nil
}

// RecordDeployStarted counts a started deployment.
func (m *Metrics) RecordDeployStarted(goal string) {
	if m.registry == nil {
		return
	}
	m.deploysStarted.WithLabelValues(goal).Inc()
	m.activeDeploys.Inc()
	m.nodesByStatus.Reset()
}

// RecordDeployCompleted records a finished deployment with its status.
func (m *Metrics) RecordDeployCompleted(status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.deploysCompleted.WithLabelValues(status).Inc()
	m.deployDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeDeploys.Dec()
}

// RecordPass counts a scheduler pass.
func (m *Metrics) RecordPass() {
	if m.registry == nil {
		return
	}
	m.passes.Inc()
}

// RecordNodeTransition counts a node moving from one status to another.
// An empty from means the node had no status yet.
func (m *Metrics) RecordNodeTransition(from, to string, primitive bool) {
	if m.registry == nil {
		return
	}
	p := "false"
	if primitive {
		p = "true"
	}
	m.nodeTransitions.WithLabelValues(to, p).Inc()
	if from != "" {
		m.nodesByStatus.WithLabelValues(from).Dec()
	}
	m.nodesByStatus.WithLabelValues(to).Inc()
}

// RecordAction records an executed action.
func (m *Metrics) RecordAction(failed bool, duration time.Duration) {
	if m.registry == nil {
		return
	}
	outcome := "succeeded"
	if failed {
		outcome = "failed"
	}
	m.actionsExecuted.WithLabelValues(outcome).Inc()
	m.actionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordTimeout counts a deployment that hit its deadline.
func (m *Metrics) RecordTimeout() {
	if m.registry == nil {
		return
	}
	m.timeouts.Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.registry == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordPolicyDenial counts a plan rejected by the named policy.
func (m *Metrics) RecordPolicyDenial(policy string) {
	if m.registry == nil {
		return
	}
	m.policyDenials.WithLabelValues(policy).Inc()
}

// Registry returns the registry holding the collectors, nil when metrics
// are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer measures the duration of an operation.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics on cfg.ListenAddress until the
// returned server is shut down. It returns nil when there is nothing to
// serve.
func (m *Metrics) StartMetricsServer(logger *Logger) *http.Server {
	if m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()
	logger.Infof("serving metrics on %s%s", m.config.ListenAddress, path)

	return server
}

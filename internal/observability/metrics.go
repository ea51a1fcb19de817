package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
	stepDurationBuckets = []float64{60, 300, 900, 3600, 4 * 3600, 24 * 3600, 72 * 3600, 7 * 24 * 3600}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowAssignmentsTotal *prometheus.CounterVec
	WorkflowDecisionsTotal   *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveRuns       *prometheus.GaugeVec
	WorkflowStepsAutoSkipped *prometheus.CounterVec
	WorkflowStepDuration     *prometheus.HistogramVec
	WorkflowConflictRetries  *prometheus.CounterVec
	WorkflowOverdueReminders *prometheus.CounterVec

	// Outbox metrics
	OutboxDeliveriesTotal *prometheus.CounterVec
	OutboxFailuresTotal   *prometheus.CounterVec
	OutboxDroppedTotal    *prometheus.CounterVec

	// System metrics
	TemplatesLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docroute_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docroute_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docroute_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docroute_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowAssignmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docroute_workflow_assignments_total",
			Help: "Total number of workflow runs created.",
		}, []string{"template_id", "trigger"}),
		WorkflowDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docroute_workflow_decisions_total",
			Help: "Total number of step decisions submitted.",
		}, []string{"template_id", "decision"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docroute_workflow_completions_total",
			Help: "Total number of runs reaching a terminal status.",
		}, []string{"template_id", "final_status"}),
		WorkflowActiveRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docroute_workflow_active_runs",
			Help: "Number of runs created and not yet terminal since process start.",
		}, []string{"template_id"}),
		WorkflowStepsAutoSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docroute_workflow_steps_auto_skipped_total",
			Help: "Total number of steps skipped because no assignee resolved.",
		}, []string{"template_id"}),
		WorkflowStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docroute_workflow_step_duration_seconds",
			Help:    "Time from step execution start to decision, in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"template_id"}),
		WorkflowConflictRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docroute_workflow_conflict_retries_total",
			Help: "Total number of transactions retried after a concurrent modification.",
		}, []string{"operation"}),
		WorkflowOverdueReminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docroute_workflow_overdue_reminders_total",
			Help: "Total number of overdue reminders raised.",
		}, []string{"template_id"}),

		// Outbox
		OutboxDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docroute_outbox_deliveries_total",
			Help: "Total number of outbox messages delivered.",
		}, []string{"kind"}),
		OutboxFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docroute_outbox_failures_total",
			Help: "Total number of failed outbox delivery attempts.",
		}, []string{"kind"}),
		OutboxDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docroute_outbox_dropped_total",
			Help: "Total number of outbox messages abandoned after the last attempt.",
		}, []string{"kind"}),

		// System
		TemplatesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docroute_templates_loaded",
			Help: "Number of loaded workflow templates.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.WorkflowAssignmentsTotal,
		m.WorkflowDecisionsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveRuns,
		m.WorkflowStepsAutoSkipped,
		m.WorkflowStepDuration,
		m.WorkflowConflictRetries,
		m.WorkflowOverdueReminders,
		m.OutboxDeliveriesTotal,
		m.OutboxFailuresTotal,
		m.OutboxDroppedTotal,
		m.TemplatesLoaded,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so components can run
// without instrumentation in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowAssignment records a new run.
func (m *Metrics) RecordWorkflowAssignment(templateID, trigger string) {
	if m == nil {
		return
	}
	m.WorkflowAssignmentsTotal.WithLabelValues(templateID, trigger).Inc()
	m.WorkflowActiveRuns.WithLabelValues(templateID).Inc()
}

// RecordWorkflowDecision records a step decision and how long it took.
func (m *Metrics) RecordWorkflowDecision(templateID, decision string, waited time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowDecisionsTotal.WithLabelValues(templateID, decision).Inc()
	m.WorkflowStepDuration.WithLabelValues(templateID).Observe(waited.Seconds())
}

// RecordWorkflowCompletion records a run reaching a terminal status.
func (m *Metrics) RecordWorkflowCompletion(templateID, finalStatus string) {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.WithLabelValues(templateID, finalStatus).Inc()
	m.WorkflowActiveRuns.WithLabelValues(templateID).Dec()
}

// RecordStepAutoSkipped records a step skipped for lack of assignees.
func (m *Metrics) RecordStepAutoSkipped(templateID string) {
	if m == nil {
		return
	}
	m.WorkflowStepsAutoSkipped.WithLabelValues(templateID).Inc()
}

// RecordConflictRetry records a retried transaction.
func (m *Metrics) RecordConflictRetry(operation string) {
	if m == nil {
		return
	}
	m.WorkflowConflictRetries.WithLabelValues(operation).Inc()
}

// RecordOverdueReminder records an overdue reminder.
func (m *Metrics) RecordOverdueReminder(templateID string) {
	if m == nil {
		return
	}
	m.WorkflowOverdueReminders.WithLabelValues(templateID).Inc()
}

// RecordOutboxDelivery records a delivered outbox message.
func (m *Metrics) RecordOutboxDelivery(kind string) {
	if m == nil {
		return
	}
	m.OutboxDeliveriesTotal.WithLabelValues(kind).Inc()
}

// RecordOutboxFailure records a failed delivery attempt; dropped marks the
// final attempt.
func (m *Metrics) RecordOutboxFailure(kind string, dropped bool) {
	if m == nil {
		return
	}
	m.OutboxFailuresTotal.WithLabelValues(kind).Inc()
	if dropped {
		m.OutboxDroppedTotal.WithLabelValues(kind).Inc()
	}
}

// SetTemplatesLoaded sets the number of loaded templates.
func (m *Metrics) SetTemplatesLoaded(count int) {
	if m == nil {
		return
	}
	m.TemplatesLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newStatusRecorder(w)

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, rec.status, duration, reqSize, rec.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a metrics handler for a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

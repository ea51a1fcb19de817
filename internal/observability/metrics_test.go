package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"docroute_http_requests_total",
		"docroute_http_request_duration_seconds",
		"docroute_http_request_size_bytes",
		"docroute_http_response_size_bytes",
		"docroute_workflow_assignments_total",
		"docroute_workflow_decisions_total",
		"docroute_workflow_completions_total",
		"docroute_workflow_active_runs",
		"docroute_workflow_steps_auto_skipped_total",
		"docroute_workflow_step_duration_seconds",
		"docroute_workflow_conflict_retries_total",
		"docroute_workflow_overdue_reminders_total",
		"docroute_outbox_deliveries_total",
		"docroute_outbox_failures_total",
		"docroute_outbox_dropped_total",
		"docroute_templates_loaded",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordWorkflowAssignment("tpl-1", "classification")
	m.RecordWorkflowDecision("tpl-1", "approved", time.Hour)
	m.RecordWorkflowCompletion("tpl-1", "completed")
	m.RecordStepAutoSkipped("tpl-1")
	m.RecordConflictRetry("complete_step")
	m.RecordOverdueReminder("tpl-1")
	m.RecordOutboxDelivery("audit")
	m.RecordOutboxFailure("notification", true)
	m.SetTemplatesLoaded(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/api/documents/{documentId}/workflow", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/api/documents/{documentId}/workflow", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/api/workflow-runs/{runId}/cancel", 500, 200*time.Millisecond, 512, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/documents/{documentId}/workflow", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/workflow-runs/{runId}/cancel", "500"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordWorkflowLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordWorkflowAssignment("contract-review", "classification")
	m.RecordWorkflowAssignment("contract-review", "manual")
	if val := testutil.ToFloat64(m.WorkflowActiveRuns.WithLabelValues("contract-review")); val != 2 {
		t.Errorf("active runs = %v, want 2", val)
	}

	m.RecordWorkflowCompletion("contract-review", "failed")
	if val := testutil.ToFloat64(m.WorkflowActiveRuns.WithLabelValues("contract-review")); val != 1 {
		t.Errorf("active runs after completion = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.WorkflowCompletionsTotal.WithLabelValues("contract-review", "failed")); val != 1 {
		t.Errorf("completions{failed} = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.WorkflowAssignmentsTotal.WithLabelValues("contract-review", "manual")); val != 1 {
		t.Errorf("assignments{manual} = %v, want 1", val)
	}
}

func TestRecordWorkflowDecision(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordWorkflowDecision("contract-review", "approved", 2*time.Hour)
	m.RecordWorkflowDecision("contract-review", "rejected", time.Minute)

	if val := testutil.ToFloat64(m.WorkflowDecisionsTotal.WithLabelValues("contract-review", "approved")); val != 1 {
		t.Errorf("decisions{approved} = %v, want 1", val)
	}
	if count := testutil.CollectAndCount(m.WorkflowStepDuration); count == 0 {
		t.Error("expected step duration histogram to have observations")
	}
}

func TestRecordOutboxFailure(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordOutboxFailure("notification", false)
	m.RecordOutboxFailure("notification", true)

	if val := testutil.ToFloat64(m.OutboxFailuresTotal.WithLabelValues("notification")); val != 2 {
		t.Errorf("failures = %v, want 2", val)
	}
	if val := testutil.ToFloat64(m.OutboxDroppedTotal.WithLabelValues("notification")); val != 1 {
		t.Errorf("dropped = %v, want 1", val)
	}
}

func TestMetrics_nilSafe(t *testing.T) {
	var m *Metrics
	m.RecordHTTPRequest("GET", "/", 200, time.Millisecond, 0, 0)
	m.RecordWorkflowAssignment("tpl", "manual")
	m.RecordWorkflowDecision("tpl", "approved", time.Second)
	m.RecordWorkflowCompletion("tpl", "completed")
	m.RecordStepAutoSkipped("tpl")
	m.RecordConflictRetry("assign")
	m.RecordOverdueReminder("tpl")
	m.RecordOutboxDelivery("audit")
	m.RecordOutboxFailure("audit", true)
	m.SetTemplatesLoaded(1)
}

func TestSetTemplatesLoaded(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.SetTemplatesLoaded(7)
	if val := testutil.ToFloat64(m.TemplatesLoaded); val != 7 {
		t.Errorf("templates loaded = %v, want 7", val)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/api/documents/{documentId}/workflow", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/documents/doc-1/workflow", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Verify metrics were recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/documents/{documentId}/workflow", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/api/workflow-runs/{runId}/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/workflow-runs/run-1/cancel", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/workflow-runs/{runId}/cancel", "403"))
	if val != 1 {
		t.Errorf("403 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	handler := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHandlerFor_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.SetTemplatesLoaded(2)

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "docroute_templates_loaded 2") {
		t.Errorf("body missing docroute_templates_loaded, got:\n%s", rec.Body.String())
	}
}

func TestHistogramBuckets_sorted(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":  httpDurationBuckets,
		"body":  bodySizeBuckets,
		"steps": stepDurationBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}

package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/docroute/internal/config"
	"github.com/pitabwire/docroute/internal/observability"
	"github.com/pitabwire/docroute/model"
)

// testDeps returns Dependencies with sensible defaults for testing.
func testDeps() Dependencies {
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second
	return Dependencies{
		Config:         cfg,
		MetricsHandler: observability.HandlerFor(prometheus.NewRegistry()),
	}
}

func rejectAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, model.NewUnauthorizedError("rejected"))
	})
}

// --- Router tests ---

func TestNewRouter_publicRoutesBypassAuth(t *testing.T) {
	deps := testDeps()
	deps.Authenticate = rejectAuth
	r := NewRouter(deps)

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want 200 (should bypass auth)", w.Code)
			}
		})
	}
}

func TestNewRouter_authenticatedRoutesAreRegistered(t *testing.T) {
	deps := testDeps()
	deps.Authenticate = rejectAuth
	deps.Inbox = stubInbox{}
	r := NewRouter(deps)

	routes := []struct {
		method string
		path   string
	}{
		{"POST", "/api/documents"},
		{"POST", "/api/documents/doc-1/workflow"},
		{"GET", "/api/documents/doc-1/workflow"},
		{"POST", "/api/workflow-runs/run-1/executions/ex-1/decision"},
		{"POST", "/api/workflow-runs/run-1/cancel"},
		{"POST", "/api/workflow-runs/run-1/fail"},
		{"GET", "/api/workflow-runs/run-1/permissions"},
		{"GET", "/api/me/pending-steps"},
		{"GET", "/api/users/u-bob/pending-steps"},
		{"GET", "/api/me/notifications"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(rt.method, rt.path, nil))
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestNewRouter_notificationsNeedInbox(t *testing.T) {
	deps := testDeps()
	deps.Authenticate = rejectAuth
	r := NewRouter(deps)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/me/notifications", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 without an inbox", w.Code)
	}
}

func TestNewRouter_metricsPath(t *testing.T) {
	deps := testDeps()
	deps.Config.Observability.Metrics.Path = "/internal/metrics"
	r := NewRouter(deps)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/internal/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestSecurityHeaders_onHealth(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
	if got := w.Header().Get("X-Correlation-Id"); got == "" {
		t.Error("health should still get X-Correlation-Id")
	}
}

// --- Middleware tests ---

func TestRecovery_catchesPanic(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := Recovery(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 after panic", w.Code)
	}
	if n := logs.FilterMessage("panic recovered").Len(); n != 1 {
		t.Errorf("panic log entries = %d, want 1", n)
	}
}

func TestRecovery_passesThrough(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestCORS_preflight(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         3600,
	}

	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for preflight")
	}))

	req := httptest.NewRequest("OPTIONS", "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "3600" {
		t.Errorf("Max-Age = %q, want 3600", got)
	}
}

func TestCORS_disallowedOrigin(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Authorization"},
	}

	called := false
	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("handler should still be called for non-preflight")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin should be empty for disallowed origin, got %q", got)
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"generated", ""},
		{"propagated", "corr-123"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var seen string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = CorrelationIDFrom(r.Context())
			}))

			req := httptest.NewRequest("GET", "/", nil)
			if tc.header != "" {
				req.Header.Set("X-Correlation-Id", tc.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if seen == "" {
				t.Fatal("correlation ID missing from context")
			}
			if tc.header != "" && seen != tc.header {
				t.Errorf("correlation ID = %q, want %q", seen, tc.header)
			}
			if got := w.Header().Get("X-Correlation-Id"); got != seen {
				t.Errorf("response X-Correlation-Id = %q, want %q", got, seen)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	expected := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Cache-Control":             "no-store",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}
	for header, want := range expected {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestBuildRequestContext(t *testing.T) {
	claims := map[string]any{
		"sub":   "u-alice",
		"email": "alice@example.com",
		"roles": []any{"legal", "reviewer"},
	}

	var rctx *model.RequestContext
	handler := BuildRequestContext(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx = model.RequestContextFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), claims))
	req.Header.Set("Accept-Language", "en-GB")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if rctx == nil {
		t.Fatal("RequestContext should be in context")
	}
	if rctx.SubjectID != "u-alice" {
		t.Errorf("SubjectID = %q, want u-alice", rctx.SubjectID)
	}
	if rctx.Email != "alice@example.com" {
		t.Errorf("Email = %q, want alice@example.com", rctx.Email)
	}
	if len(rctx.Roles) != 2 || rctx.Roles[0] != "legal" {
		t.Errorf("Roles = %v, want [legal reviewer]", rctx.Roles)
	}
	if rctx.Locale != "en-GB" {
		t.Errorf("Locale = %q, want en-GB", rctx.Locale)
	}
}

func TestBuildRequestContext_customPaths(t *testing.T) {
	claims := map[string]any{
		"preferred_username": "u-bob",
		"realm_access": map[string]any{
			"roles": []any{"legal"},
		},
	}
	paths := map[string]string{
		"subject_id": "preferred_username",
		"roles":      "realm_access.roles",
	}

	var rctx *model.RequestContext
	handler := BuildRequestContext(paths)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx = model.RequestContextFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), claims))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if rctx == nil || rctx.SubjectID != "u-bob" {
		t.Fatalf("RequestContext = %+v, want subject u-bob", rctx)
	}
	if len(rctx.Roles) != 1 || rctx.Roles[0] != "legal" {
		t.Errorf("Roles = %v, want [legal]", rctx.Roles)
	}
}

func TestBuildRequestContext_missingSubject(t *testing.T) {
	handler := BuildRequestContext(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called without a subject")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), map[string]any{"email": "x@example.com"}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestBuildRequestContext_reservedSubject(t *testing.T) {
	handler := BuildRequestContext(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for the reserved subject")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), map[string]any{"sub": model.SystemActor}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestResolveCapabilities(t *testing.T) {
	resolver := &mockResolver{caps: map[string]model.CapabilitySet{
		"u-auditor": {model.CapabilityViewAnyRun: true},
	}}

	var caps model.CapabilitySet
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caps = CapabilitiesFrom(r.Context())
	})
	handler := BuildRequestContext(nil)(ResolveCapabilities(resolver, zap.NewNop())(inner))

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), map[string]any{"sub": "u-auditor"}))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !caps.Has(model.CapabilityViewAnyRun) {
		t.Errorf("caps = %v, want %s", caps, model.CapabilityViewAnyRun)
	}
}

func TestResolveCapabilities_failureContinues(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	resolver := &mockResolver{err: errors.New("policy backend down")}

	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if caps := CapabilitiesFrom(r.Context()); caps != nil {
			t.Errorf("caps = %v, want nil", caps)
		}
	})
	handler := BuildRequestContext(nil)(ResolveCapabilities(resolver, zap.New(core))(inner))

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), map[string]any{"sub": "u-alice"}))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Error("request should continue after resolution failure")
	}
	if logs.Len() != 1 {
		t.Errorf("warn entries = %d, want 1", logs.Len())
	}
}

func TestResolveCapabilities_nilResolver(t *testing.T) {
	handler := ResolveCapabilities(nil, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if caps := CapabilitiesFrom(r.Context()); caps != nil {
			t.Errorf("caps should be nil, got %v", caps)
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

func TestHandlerTimeout(t *testing.T) {
	tests := []struct {
		name         string
		timeout      time.Duration
		wantDeadline bool
	}{
		{"sets deadline", 100 * time.Millisecond, true},
		{"zero disables", 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var deadline time.Time
			var ok bool
			handler := HandlerTimeout(tc.timeout)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				deadline, ok = r.Context().Deadline()
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

			if ok != tc.wantDeadline {
				t.Fatalf("has deadline = %v, want %v", ok, tc.wantDeadline)
			}
			if ok && time.Until(deadline) > 200*time.Millisecond {
				t.Error("deadline should be within 200ms")
			}
		})
	}
}

func TestRequestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := RequestLogging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if observability.LoggerFrom(r.Context(), nil) == nil {
			t.Error("request logger should be in context")
		}
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
	}
	entries := logs.FilterMessage("request").All()
	if len(entries) != 1 {
		t.Fatalf("request log entries = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["status"]; got != int64(http.StatusTeapot) {
		t.Errorf("logged status = %v, want %d", got, http.StatusTeapot)
	}
}

func TestRequestLogging_serverErrorsAtErrorLevel(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := RequestLogging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, errors.New("boom"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if n := logs.FilterLevelExact(zapcore.ErrorLevel).Len(); n != 1 {
		t.Errorf("error entries = %d, want 1", n)
	}
}

// --- mocks ---

type mockResolver struct {
	caps map[string]model.CapabilitySet
	err  error
}

func (m *mockResolver) Resolve(actor model.Actor) (model.CapabilitySet, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.caps[actor.ID], nil
}

func (m *mockResolver) Invalidate(string) {}

type stubInbox struct {
	notes []model.Notification
}

func (s stubInbox) Inbox(_ context.Context, _ string, limit int64) ([]model.Notification, error) {
	if int64(len(s.notes)) > limit {
		return s.notes[:limit], nil
	}
	return s.notes, nil
}

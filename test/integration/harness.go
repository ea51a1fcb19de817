// Package integration runs the docroute HTTP API end to end: real JWT
// verification against a JWKS endpoint, the static directory and policy
// loaded from testdata, the in-memory workflow store, and the outbox relay
// delivering to in-memory audit and notification sinks.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/docroute/internal/audit"
	"github.com/pitabwire/docroute/internal/capability"
	"github.com/pitabwire/docroute/internal/config"
	"github.com/pitabwire/docroute/internal/definition"
	"github.com/pitabwire/docroute/internal/directory"
	"github.com/pitabwire/docroute/internal/idempotency"
	"github.com/pitabwire/docroute/internal/notify"
	"github.com/pitabwire/docroute/internal/observability"
	"github.com/pitabwire/docroute/internal/transport"
	"github.com/pitabwire/docroute/internal/workflow"
)

// TestHarness is a running docroute server plus handles on its in-memory
// backends.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Store    *workflow.MemoryStore
	Engine   *workflow.Engine
	Relay    *workflow.Relay
	Audit    *audit.MemorySink
	Notifier *notify.MemoryNotifier
	Metrics  *observability.Metrics
}

// NewTestHarness starts a server over the testdata templates, directory and
// policy. Outbox messages are delivered synchronously after every commit.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()
	testdata := testdataDir()

	// Step 1: Templates.
	files, err := definition.NewLoader().LoadAll([]string{filepath.Join(testdata, "templates")})
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	if errs := definition.NewValidator().Validate(files); len(errs) > 0 {
		t.Fatalf("invalid templates: %v", errs)
	}
	registry := definition.NewRegistry(files)

	// Step 2: Directory and capabilities.
	dir, err := directory.NewStaticDirectory(filepath.Join(testdata, "users.yaml"))
	if err != nil {
		t.Fatalf("load directory: %v", err)
	}
	policy, err := capability.NewStaticPolicyEvaluator(filepath.Join(testdata, "policies.yaml"))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	caps := capability.NewResolver(policy, 0, 0)

	h := &TestHarness{
		t:        t,
		Store:    workflow.NewMemoryStore(),
		Audit:    audit.NewMemorySink(),
		Notifier: notify.NewMemoryNotifier(),
		Metrics:  observability.InitMetrics(prometheus.NewRegistry()),
		issuer:   newTokenIssuer(t),
	}

	// Step 3: Relay and engine.
	h.Relay = workflow.NewRelay(h.Store, h.Audit, h.Notifier, workflow.RelayConfig{Metrics: h.Metrics})
	h.Engine = workflow.NewEngine(registry, h.Store, dir, caps, workflow.Config{
		OnCommit: func() {
			if _, err := h.Relay.Drain(context.Background()); err != nil {
				t.Errorf("drain outbox: %v", err)
			}
		},
		Metrics: h.Metrics,
	})

	// Step 4: Router.
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 10 * time.Second
	cfg.Identity.Issuer = h.issuer.issuer
	cfg.Identity.Audience = h.issuer.audience
	cfg.Identity.JWKSURL = h.issuer.jwks.URL

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, time.Hour, nil)
	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Metrics:            h.Metrics,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: caps,
		Engine:             h.Engine,
		Documents:          h.Store,
		Inbox:              h.Notifier,
		Idempotency:        idempotency.NewMemoryStore(),
		IdempotencyTTL:     time.Hour,
	})

	// Step 5: Serve.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// Token mints a valid token for p.
func (h *TestHarness) Token(p Principal) string {
	return h.issuer.Token(p)
}

// ExpiredToken mints an expired token for p.
func (h *TestHarness) ExpiredToken(p Principal) string {
	return h.issuer.ExpiredToken(p)
}

// GET performs a GET as the bearer of token.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.do(http.MethodGet, path, nil, token, nil)
}

// POST performs a JSON POST as the bearer of token.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.do(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders is POST with extra request headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.do(http.MethodPost, path, body, token, headers)
}

func (h *TestHarness) do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		reader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// AssertJSON fails the test unless resp has status want, then decodes the
// body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, want int, target any) {
	t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, want, data)
	}
	if target == nil {
		return
	}
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("unmarshal response body: %v\nbody: %s", err, data)
	}
}

// AssertError fails the test unless resp is an error envelope with the
// given status and code.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	h.AssertJSON(t, resp, status, &env)
	if env.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", env.Error.Code, code, env.Error.Message)
	}
}

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

var (
	alice   = Principal{SubjectID: "u-alice", Email: "alice@example.com", Roles: []string{"legal"}}
	bob     = Principal{SubjectID: "u-bob", Email: "bob@example.com", Roles: []string{"legal"}}
	dan     = Principal{SubjectID: "u-dan", Email: "dan@example.com", Roles: []string{"finance"}}
	erin    = Principal{SubjectID: "u-erin", Email: "erin@example.com", Roles: []string{"finance"}}
	auditor = Principal{SubjectID: "u-audit", Email: "audit@example.com", Roles: []string{"auditor"}}
	ops     = Principal{SubjectID: "u-ops", Email: "ops@example.com", Roles: []string{"ops"}}
)

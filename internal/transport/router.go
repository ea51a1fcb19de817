package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/docroute/internal/config"
	"github.com/pitabwire/docroute/internal/idempotency"
	"github.com/pitabwire/docroute/internal/observability"
	"github.com/pitabwire/docroute/internal/workflow"
	"github.com/pitabwire/docroute/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Metrics            *observability.Metrics
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver

	Engine         *workflow.Engine
	Documents      DocumentStore
	Inbox          Inbox
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration
	Now            func() time.Time

	HealthHandler  http.Handler
	ReadyHandler   http.Handler
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	health := deps.HealthHandler
	if health == nil {
		health = observability.HandleHealth()
	}
	r.Method(http.MethodGet, "/health", health)
	if deps.ReadyHandler != nil {
		r.Method(http.MethodGet, "/ready", deps.ReadyHandler)
	} else {
		r.Get("/ready", handleReady)
	}
	if deps.MetricsHandler != nil {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.MetricsHandler)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Post("/documents", handleRegisterDocument(deps.Documents, deps.Engine, now))
		r.Post("/documents/{documentId}/workflow", handleAssignWorkflow(deps.Engine))
		r.Get("/documents/{documentId}/workflow", handleGetDocumentWorkflow(deps.Engine, deps.Documents))

		r.Post("/workflow-runs/{runId}/executions/{executionId}/decision",
			handleCompleteStep(deps.Engine, deps.Idempotency, deps.IdempotencyTTL))
		r.Post("/workflow-runs/{runId}/cancel", handleCancelRun(deps.Engine))
		r.Post("/workflow-runs/{runId}/fail", handleFailRun(deps.Engine))
		r.Get("/workflow-runs/{runId}/permissions", handleRunPermissions(deps.Engine))

		r.Get("/me/pending-steps", handlePendingSteps(deps.Engine))
		r.Get("/users/{userId}/pending-steps", handlePendingSteps(deps.Engine))
		if deps.Inbox != nil {
			r.Get("/me/notifications", handleNotifications(deps.Inbox))
		}
	})

	return r
}

func handleReady(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

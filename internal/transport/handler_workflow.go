package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/docroute/internal/idempotency"
	"github.com/pitabwire/docroute/internal/observability"
	"github.com/pitabwire/docroute/internal/workflow"
	"github.com/pitabwire/docroute/model"
)

const maxBodyBytes = 64 << 10

// Inbox lists a user's most recent notifications.
type Inbox interface {
	Inbox(ctx context.Context, userID string, limit int64) ([]model.Notification, error)
}

func handleAssignWorkflow(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			TemplateID string `json:"template_id"`
		}
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}

		run, found, err := engine.AssignWorkflow(r.Context(), rctx.Actor(), chi.URLParam(r, "documentId"), body.TemplateID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if !found {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		WriteJSON(w, http.StatusOK, run)
	}
}

// handleGetDocumentWorkflow returns the document's current or latest run.
// The submitter, anyone assigned in the run, and holders of workflows:view
// may read it.
func handleGetDocumentWorkflow(engine *workflow.Engine, docs DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		documentID := chi.URLParam(r, "documentId")

		doc, err := docs.GetDocument(r.Context(), documentID)
		if err != nil {
			WriteError(w, err)
			return
		}
		allowed := doc.SubmittedBy == rctx.SubjectID || CapabilitiesFrom(r.Context()).Has(model.CapabilityViewAnyRun)
		if !allowed {
			if allowed, err = engine.IsRunAssignee(r.Context(), documentID, rctx.SubjectID); err != nil {
				WriteError(w, err)
				return
			}
		}
		if !allowed {
			WriteError(w, model.NewForbiddenError("not allowed to view this document's workflow"))
			return
		}

		view, err := engine.GetRunForDocument(r.Context(), documentID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if view == nil {
			WriteNotFound(w, "document has no workflow run")
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

type decisionRequest struct {
	Decision string `json:"decision"`
	Comments string `json:"comments"`
}

// handleCompleteStep records a decision. With an X-Idempotency-Key header
// and a configured store, a retried submission gets the original response
// back instead of ALREADY_COMPLETED.
func handleCompleteStep(engine *workflow.Engine, store idempotency.Store, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		runID := chi.URLParam(r, "runId")
		executionID := chi.URLParam(r, "executionId")

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			WriteError(w, model.NewBadRequestError("unreadable request body"))
			return
		}
		var body decisionRequest
		if err := strictUnmarshal(raw, &body); err != nil {
			WriteError(w, err)
			return
		}

		var key, hash string
		if clientKey := r.Header.Get("X-Idempotency-Key"); clientKey != "" && store != nil {
			key = idempotency.FormatKey("decision", rctx.SubjectID, clientKey)
			hash = idempotency.HashInput(append([]byte(r.URL.Path+"\n"), raw...))
			cached, found, err := store.Check(r.Context(), key, hash)
			if err != nil {
				WriteError(w, err)
				return
			}
			if found {
				w.Header().Set("X-Idempotent-Replay", "true")
				writeRaw(w, cached.Status, cached.Body)
				return
			}
		}

		run, err := engine.CompleteStep(r.Context(), rctx.Actor(), runID, executionID, body.Decision, body.Comments)
		if err != nil {
			WriteError(w, err)
			return
		}

		if key != "" {
			saveDecision(r.Context(), store, key, hash, run, ttl)
		}
		WriteJSON(w, http.StatusOK, run)
	}
}

// saveDecision records the decision response for replay. Failures are
// logged; the decision itself has already committed.
func saveDecision(ctx context.Context, store idempotency.Store, key, hash string, run model.WorkflowRun, ttl time.Duration) {
	logger := observability.LoggerFrom(ctx, zap.NewNop())
	encoded, err := json.Marshal(run)
	if err != nil {
		logger.Error("failed to encode idempotent response", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	resp := idempotency.Response{Status: http.StatusOK, Body: encoded}
	if err := store.Save(ctx, key, hash, resp, ttl); err != nil {
		logger.Warn("failed to save idempotent response", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func handleCancelRun(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}

		run, err := engine.CancelRun(r.Context(), rctx.Actor(), chi.URLParam(r, "runId"), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, run)
	}
}

// handleFailRun lets an operator holding workflows:fail end a stuck run,
// e.g. one whose required step lost every assignee.
func handleFailRun(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		if !CapabilitiesFrom(r.Context()).Has(model.CapabilityFailRun) {
			WriteError(w, model.NewForbiddenError("not allowed to fail workflow runs"))
			return
		}

		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, err)
			return
		}
		if strings.TrimSpace(body.Reason) == "" {
			WriteValidationError(w, []model.FieldError{{Field: "reason", Code: "REQUIRED", Message: "reason is required"}})
			return
		}

		run, err := engine.FailRun(r.Context(), rctx.Actor(), chi.URLParam(r, "runId"), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, run)
	}
}

func handleRunPermissions(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		canCancel, err := engine.CanCancel(r.Context(), rctx.Actor(), chi.URLParam(r, "runId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"can_cancel": canCancel})
	}
}

// handlePendingSteps lists a work queue. Without a userId route parameter
// it is the caller's own; another user's queue needs workflows:view.
func handlePendingSteps(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		userID := chi.URLParam(r, "userId")
		if userID == "" {
			userID = rctx.SubjectID
		}
		if userID != rctx.SubjectID && !CapabilitiesFrom(r.Context()).Has(model.CapabilityViewAnyRun) {
			WriteError(w, model.NewForbiddenError("not allowed to view another user's pending steps"))
			return
		}

		steps, err := engine.ListPendingStepsForUser(r.Context(), userID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        steps,
			"total_count": len(steps),
		})
	}
}

func handleNotifications(inbox Inbox) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		limit, ok := queryInt(r, "limit", 50)
		if !ok {
			WriteValidationError(w, []model.FieldError{{
				Field: "limit", Code: "INVALID_VALUE", Message: "limit must be an integer",
			}})
			return
		}
		if limit < 1 || limit > 200 {
			WriteValidationError(w, []model.FieldError{{
				Field: "limit", Code: "OUT_OF_RANGE", Message: "limit must be between 1 and 200",
			}})
			return
		}
		notes, err := inbox.Inbox(r.Context(), rctx.SubjectID, int64(limit))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": notes})
	}
}

// --- helpers ---

// decodeJSON decodes the request body into v, rejecting unknown fields.
// With optional set, an empty body leaves v untouched.
func decodeJSON(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)
}

// queryInt parses an integer query parameter. An absent parameter yields
// def; ok is false when the value is present but not an integer.
func queryInt(r *http.Request, key string, def int) (n int, ok bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

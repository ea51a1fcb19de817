package transport

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/docroute/internal/observability"
	"github.com/pitabwire/docroute/internal/workflow"
	"github.com/pitabwire/docroute/model"
)

// DocumentStore registers document references and reads them back.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc model.Document) error
	GetDocument(ctx context.Context, documentID string) (model.Document, error)
}

type registerDocumentRequest struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Classification string `json:"classification"`
}

type registerDocumentResponse struct {
	Document    model.Document     `json:"document"`
	WorkflowRun *model.WorkflowRun `json:"workflow_run"`
}

// handleRegisterDocument records a submitted document and assigns the
// workflow matching its classification, if any. The document is committed
// before assignment runs, so an assignment failure still answers 201 with no
// run; the caller recovers through POST /documents/{documentId}/workflow.
func handleRegisterDocument(docs DocumentStore, engine *workflow.Engine, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body registerDocumentRequest
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, err)
			return
		}
		var details []model.FieldError
		if strings.TrimSpace(body.Title) == "" {
			details = append(details, model.FieldError{Field: "title", Code: "REQUIRED", Message: "title is required"})
		}
		if len(body.ID) > 128 {
			details = append(details, model.FieldError{Field: "id", Code: "TOO_LONG", Message: "id must be at most 128 characters"})
		}
		if len(details) > 0 {
			WriteValidationError(w, details)
			return
		}
		if body.ID == "" {
			body.ID = uuid.NewString()
		}

		ts := now()
		doc := model.Document{
			ID:             body.ID,
			Title:          body.Title,
			Classification: body.Classification,
			SubmittedBy:    rctx.SubjectID,
			Status:         model.DocumentStatusSubmitted,
			CreatedAt:      ts,
			UpdatedAt:      ts,
		}
		if err := docs.CreateDocument(r.Context(), doc); err != nil {
			WriteError(w, err)
			return
		}

		resp := registerDocumentResponse{Document: doc}
		run, found, err := engine.AssignWorkflow(r.Context(), rctx.Actor(), doc.ID, "")
		if err != nil {
			observability.LoggerFrom(r.Context(), zap.NewNop()).Error("workflow assignment after intake failed",
				zap.String("document_id", doc.ID), zap.Error(err))
			found = false
		}
		if found {
			resp.WorkflowRun = &run
			if current, err := docs.GetDocument(r.Context(), doc.ID); err == nil {
				resp.Document = current
			}
		}
		WriteJSON(w, http.StatusCreated, resp)
	}
}

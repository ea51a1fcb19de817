package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/docroute/model"
)

// outcomes collects the audit entries and notification intents produced by
// one transaction. They are enqueued in the same transaction as the state
// change and delivered by the Relay after commit.
type outcomes struct {
	now     time.Time
	actorID string
	msgs    []model.OutboxMessage

	// Post-commit bookkeeping for metrics and logs.
	finished    string
	autoSkipped int
}

func newOutcomes(now time.Time, actorID string) *outcomes {
	return &outcomes{now: now, actorID: actorID}
}

func (o *outcomes) audit(entityType, entityID, documentID, action string, before, after map[string]any, comment string) {
	entry := &model.AuditEntry{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		DocumentID: documentID,
		Action:     action,
		ActorID:    o.actorID,
		Before:     before,
		After:      after,
		Comment:    comment,
		Timestamp:  o.now,
	}
	o.msgs = append(o.msgs, model.OutboxMessage{
		ID:        uuid.NewString(),
		Kind:      model.OutboxAudit,
		Audit:     entry,
		CreatedAt: o.now,
	})
}

// runAudit records a transition of the run itself.
func (o *outcomes) runAudit(run model.WorkflowRun, action string, before, after map[string]any, comment string) {
	o.audit(model.EntityWorkflowRun, run.ID, run.DocumentID, action, before, after, comment)
}

func (o *outcomes) notify(userID, event string, payload map[string]any) {
	if userID == "" {
		return
	}
	o.msgs = append(o.msgs, model.OutboxMessage{
		ID:   uuid.NewString(),
		Kind: model.OutboxNotification,
		Notification: &model.Notification{
			ID:        uuid.NewString(),
			UserID:    userID,
			Event:     event,
			Payload:   payload,
			CreatedAt: o.now,
		},
		CreatedAt: o.now,
	})
}

func runPayload(run model.WorkflowRun) map[string]any {
	return map[string]any{
		"run_id":      run.ID,
		"document_id": run.DocumentID,
		"template_id": run.TemplateID,
		"status":      run.Status,
	}
}

func stepPayload(run model.WorkflowRun, step model.StepTemplate, exec model.StepExecution) map[string]any {
	p := runPayload(run)
	p["execution_id"] = exec.ID
	p["step_order"] = step.StepOrder
	p["step_name"] = step.Name
	p["step_type"] = step.StepType
	if exec.DueAt != nil {
		p["due_at"] = exec.DueAt.Format(time.RFC3339)
	}
	return p
}

func runState(run model.WorkflowRun) map[string]any {
	state := map[string]any{"status": run.Status}
	if run.CurrentStep != nil {
		state["current_step"] = *run.CurrentStep
	}
	return state
}

// decisionAudit maps a decision to its audit action.
func decisionAudit(decision string) string {
	switch decision {
	case model.ExecutionStatusApproved:
		return model.AuditStepApproved
	case model.ExecutionStatusRejected:
		return model.AuditStepRejected
	default:
		return model.AuditStepSkipped
	}
}

// terminalEvents maps a terminal run status to its audit action and the
// notification sent to the document submitter.
var terminalEvents = map[string]struct{ audit, notify string }{
	model.RunStatusCompleted: {model.AuditWorkflowCompleted, model.NotifyWorkflowCompleted},
	model.RunStatusFailed:    {model.AuditWorkflowFailed, model.NotifyWorkflowFailed},
	model.RunStatusCancelled: {model.AuditWorkflowCancelled, model.NotifyWorkflowCancelled},
}

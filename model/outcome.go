package model

import "time"

// Audit actions recorded on workflow transitions.
const (
	AuditWorkflowAssigned  = "workflow_assigned"
	AuditStepStarted       = "workflow_step_started"
	AuditStepAutoSkipped   = "workflow_step_skipped"
	AuditStepApproved      = "step_approved"
	AuditStepRejected      = "step_rejected"
	AuditStepSkipped       = "step_skipped"
	AuditWorkflowCompleted = "workflow_completed"
	AuditWorkflowFailed    = "workflow_failed"
	AuditWorkflowCancelled = "workflow_cancelled"
)

// Notification events raised by the engine.
const (
	NotifyStepAssigned      = "step_assigned"
	NotifyStepOverdue       = "step_overdue"
	NotifyWorkflowCompleted = "workflow_completed"
	NotifyWorkflowFailed    = "workflow_failed"
	NotifyWorkflowCancelled = "workflow_cancelled"
)

// SystemActor attributes transitions that no user directly caused.
const SystemActor = "system"

// Audit entity types.
const (
	EntityWorkflowRun   = "workflow_run"
	EntityStepExecution = "step_execution"
)

// AuditEntry records one transition with attributed actor and before/after
// values.
type AuditEntry struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	DocumentID string         `json:"document_id"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actor_id"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
	Comment    string         `json:"comment,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Notification is an intent to tell a user about an event.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Outbox message kinds.
const (
	OutboxAudit        = "audit"
	OutboxNotification = "notification"
)

// OutboxMessage is a side effect persisted in the same transaction as the
// state change that caused it. Exactly one of Audit and Notification is set,
// selected by Kind.
type OutboxMessage struct {
	ID           string        `json:"id"`
	Kind         string        `json:"kind"`
	Audit        *AuditEntry   `json:"audit,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	Attempts     int           `json:"attempts"`
	LastError    string        `json:"last_error,omitempty"`
}

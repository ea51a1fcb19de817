package model

import "time"

// Workflow run status constants.
const (
	RunStatusPending    = "pending"
	RunStatusInProgress = "in_progress"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
	RunStatusCancelled  = "cancelled"
)

// Step execution status constants. Approved, rejected and skipped double as
// the decisions an assignee may submit.
const (
	ExecutionStatusPending  = "pending"
	ExecutionStatusApproved = "approved"
	ExecutionStatusRejected = "rejected"
	ExecutionStatusSkipped  = "skipped"
)

// Step type constants. The type is informational and never alters behavior.
const (
	StepTypeApproval   = "approval"
	StepTypeReview     = "review"
	StepTypeProcessing = "processing"
)

// Template trigger types.
const (
	TriggerClassification = "classification"
	TriggerManual         = "manual"
)

// IsActiveRunStatus reports whether a run in the given status still blocks a
// new assignment for its document.
func IsActiveRunStatus(status string) bool {
	return status == RunStatusPending || status == RunStatusInProgress
}

// IsTerminalExecutionStatus reports whether an execution status is final.
func IsTerminalExecutionStatus(status string) bool {
	switch status {
	case ExecutionStatusApproved, ExecutionStatusRejected, ExecutionStatusSkipped:
		return true
	}
	return false
}

// IsValidDecision reports whether decision is a value an assignee may submit.
func IsValidDecision(decision string) bool {
	return IsTerminalExecutionStatus(decision)
}

// WorkflowRun is one execution of a template against one document.
type WorkflowRun struct {
	ID          string     `json:"id"`
	DocumentID  string     `json:"document_id"`
	TemplateID  string     `json:"template_id"`
	Status      string     `json:"status"`
	CurrentStep *int       `json:"current_step,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	AssignedBy  string     `json:"assigned_by"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Version     int        `json:"version"`
}

// IsActive reports whether the run has not reached a terminal status.
func (r WorkflowRun) IsActive() bool {
	return IsActiveRunStatus(r.Status)
}

// StepExecution is one assignee's task and decision within a run's step.
type StepExecution struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	StepOrder   int        `json:"step_order"`
	AssigneeID  string     `json:"assignee_id"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	RemindedAt  *time.Time `json:"reminded_at,omitempty"`
	Comments    string     `json:"comments,omitempty"`
}

// IsPending reports whether the execution still awaits a decision.
func (e StepExecution) IsPending() bool {
	return e.Status == ExecutionStatusPending
}

// RunView is the display form of a run: the run itself plus its executions
// grouped by step, with resolved assignee identities.
type RunView struct {
	WorkflowRun
	TemplateName string     `json:"template_name"`
	Steps        []StepView `json:"steps"`
}

// StepView describes one template step within a RunView.
type StepView struct {
	StepOrder            int             `json:"step_order"`
	Name                 string          `json:"name"`
	StepType             string          `json:"step_type"`
	IsRequired           bool            `json:"is_required"`
	RequiresAllAssignees bool            `json:"requires_all_assignees"`
	State                string          `json:"state"`
	Executions           []ExecutionView `json:"executions"`
}

// Step display states within a RunView.
const (
	StepStateFuture  = "future"
	StepStateOpen    = "open"
	StepStateClosed  = "closed"
	StepStateSkipped = "skipped"
)

// ExecutionView is a StepExecution enriched with assignee details.
type ExecutionView struct {
	StepExecution
	Assignee UserSummary `json:"assignee"`
}

// PendingStep is an entry in a user's work queue.
type PendingStep struct {
	Execution    StepExecution `json:"execution"`
	DocumentID   string        `json:"document_id"`
	TemplateID   string        `json:"template_id"`
	TemplateName string        `json:"template_name"`
	StepName     string        `json:"step_name"`
	StepType     string        `json:"step_type"`
	Overdue      bool          `json:"overdue"`
}

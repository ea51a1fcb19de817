package integration

import (
	"net/http"
	"slices"
	"testing"

	"github.com/pitabwire/docroute/model"
)

type registered struct {
	Document    model.Document     `json:"document"`
	WorkflowRun *model.WorkflowRun `json:"workflow_run"`
}

type pendingList struct {
	Data       []model.PendingStep `json:"data"`
	TotalCount int                 `json:"total_count"`
}

func registerDocument(t *testing.T, h *TestHarness, id, classification string) registered {
	t.Helper()
	var resp registered
	h.AssertJSON(t, h.POST("/api/documents", map[string]string{
		"id": id, "title": "Document " + id, "classification": classification,
	}, h.Token(erin)), http.StatusCreated, &resp)
	return resp
}

func pendingFor(t *testing.T, h *TestHarness, p Principal) []model.PendingStep {
	t.Helper()
	var list pendingList
	h.AssertJSON(t, h.GET("/api/me/pending-steps", h.Token(p)), http.StatusOK, &list)
	if list.TotalCount != len(list.Data) {
		t.Errorf("total_count = %d, want %d", list.TotalCount, len(list.Data))
	}
	return list.Data
}

func decide(h *TestHarness, p Principal, exec model.StepExecution, decision string) *http.Response {
	path := "/api/workflow-runs/" + exec.RunID + "/executions/" + exec.ID + "/decision"
	return h.POST(path, map[string]string{"decision": decision}, h.Token(p))
}

func TestWorkflowLifecycle_contractApproved(t *testing.T) {
	h := NewTestHarness(t)

	reg := registerDocument(t, h, "doc-100", "contract")
	if reg.WorkflowRun == nil {
		t.Fatal("workflow_run = nil, want an assigned run")
	}
	if reg.WorkflowRun.TemplateID != "contract-review" {
		t.Errorf("template_id = %q, want contract-review", reg.WorkflowRun.TemplateID)
	}

	// Both legal reviewers are notified and see the task.
	for _, p := range []Principal{alice, bob} {
		if got := h.Notifier.Events(p.SubjectID); !slices.Contains(got, model.NotifyStepAssigned) {
			t.Errorf("events for %s = %v, want step_assigned", p.SubjectID, got)
		}
	}
	aliceQueue := pendingFor(t, h, alice)
	if len(aliceQueue) != 1 {
		t.Fatalf("alice pending = %d, want 1", len(aliceQueue))
	}
	if aliceQueue[0].StepName != "Legal review" || aliceQueue[0].DocumentID != "doc-100" {
		t.Errorf("pending = %+v", aliceQueue[0])
	}

	// One legal approval closes the any-one step.
	var run model.WorkflowRun
	h.AssertJSON(t, decide(h, alice, aliceQueue[0].Execution, "approved"), http.StatusOK, &run)
	if run.CurrentStep == nil || *run.CurrentStep != 2 {
		t.Fatalf("current_step = %v, want 2", run.CurrentStep)
	}
	if got := pendingFor(t, h, bob); len(got) != 0 {
		t.Errorf("bob pending = %d, want 0 after the step closed", len(got))
	}

	// The submitter's department head signs off.
	danQueue := pendingFor(t, h, dan)
	if len(danQueue) != 1 {
		t.Fatalf("dan pending = %d, want 1", len(danQueue))
	}
	h.AssertJSON(t, decide(h, dan, danQueue[0].Execution, "approved"), http.StatusOK, &run)
	if run.Status != model.RunStatusCompleted {
		t.Errorf("status = %q, want completed", run.Status)
	}

	// The submitter sees the finished run.
	var view model.RunView
	h.AssertJSON(t, h.GET("/api/documents/doc-100/workflow", h.Token(erin)), http.StatusOK, &view)
	if view.Status != model.RunStatusCompleted || len(view.Steps) != 2 {
		t.Errorf("view status = %q, steps = %d", view.Status, len(view.Steps))
	}

	if got := h.Notifier.Events("u-erin"); !slices.Contains(got, model.NotifyWorkflowCompleted) {
		t.Errorf("submitter events = %v, want workflow_completed", got)
	}
	actions := h.Audit.Actions()
	for _, want := range []string{
		model.AuditWorkflowAssigned, model.AuditStepStarted,
		model.AuditStepApproved, model.AuditWorkflowCompleted,
	} {
		if !slices.Contains(actions, want) {
			t.Errorf("audit actions = %v, missing %q", actions, want)
		}
	}
}

func TestWorkflowLifecycle_rejectionFailsRun(t *testing.T) {
	h := NewTestHarness(t)
	registerDocument(t, h, "doc-200", "contract")

	var run model.WorkflowRun
	h.AssertJSON(t, decide(h, alice, pendingFor(t, h, alice)[0].Execution, "approved"), http.StatusOK, &run)
	h.AssertJSON(t, decide(h, dan, pendingFor(t, h, dan)[0].Execution, "rejected"), http.StatusOK, &run)

	if run.Status != model.RunStatusFailed {
		t.Errorf("status = %q, want failed", run.Status)
	}
	if got := h.Notifier.Events("u-erin"); !slices.Contains(got, model.NotifyWorkflowFailed) {
		t.Errorf("submitter events = %v, want workflow_failed", got)
	}
}

func TestWorkflowLifecycle_closedStepRejectsLateDecision(t *testing.T) {
	h := NewTestHarness(t)
	registerDocument(t, h, "doc-300", "contract")

	bobExec := pendingFor(t, h, bob)[0].Execution
	h.AssertJSON(t, decide(h, alice, pendingFor(t, h, alice)[0].Execution, "approved"), http.StatusOK, nil)

	h.AssertError(t, decide(h, bob, bobExec, "approved"), http.StatusConflict, model.ErrStepClosed)
}

func TestWorkflowLifecycle_idempotentDecision(t *testing.T) {
	h := NewTestHarness(t)
	registerDocument(t, h, "doc-400", "contract")

	exec := pendingFor(t, h, alice)[0].Execution
	path := "/api/workflow-runs/" + exec.RunID + "/executions/" + exec.ID + "/decision"
	body := map[string]string{"decision": "approved", "comments": "fine"}
	headers := map[string]string{"X-Idempotency-Key": "retry-1"}

	var first, second model.WorkflowRun
	h.AssertJSON(t, h.POSTWithHeaders(path, body, h.Token(alice), headers), http.StatusOK, &first)

	resp := h.POSTWithHeaders(path, body, h.Token(alice), headers)
	if got := resp.Header.Get("X-Idempotent-Replay"); got != "true" {
		t.Errorf("X-Idempotent-Replay = %q, want true", got)
	}
	h.AssertJSON(t, resp, http.StatusOK, &second)
	if second.Version != first.Version {
		t.Errorf("replayed version = %d, want %d", second.Version, first.Version)
	}

	// Without the key the retry is a plain duplicate.
	h.AssertError(t, decide(h, alice, exec, "approved"), http.StatusConflict, model.ErrAlreadyCompleted)
}

func TestWorkflowLifecycle_manualAssignAndCancel(t *testing.T) {
	h := NewTestHarness(t)

	reg := registerDocument(t, h, "doc-500", "memo")
	if reg.WorkflowRun != nil {
		t.Fatalf("workflow_run = %+v, want none for an unmatched classification", reg.WorkflowRun)
	}

	var run model.WorkflowRun
	h.AssertJSON(t, h.POST("/api/documents/doc-500/workflow",
		map[string]string{"template_id": "policy-ack"}, h.Token(erin)), http.StatusOK, &run)
	if run.TemplateID != "policy-ack" || run.Status != model.RunStatusInProgress {
		t.Fatalf("run = %+v", run)
	}

	var perms map[string]bool
	h.AssertJSON(t, h.GET("/api/workflow-runs/"+run.ID+"/permissions", h.Token(alice)), http.StatusOK, &perms)
	if perms["can_cancel"] {
		t.Error("can_cancel = true for an unrelated user, want false")
	}
	h.AssertError(t, h.POST("/api/workflow-runs/"+run.ID+"/cancel", nil, h.Token(alice)),
		http.StatusForbidden, model.ErrForbidden)

	h.AssertJSON(t, h.POST("/api/workflow-runs/"+run.ID+"/cancel",
		map[string]string{"reason": "superseded"}, h.Token(ops)), http.StatusOK, &run)
	if run.Status != model.RunStatusCancelled {
		t.Errorf("status = %q, want cancelled", run.Status)
	}
	if got := pendingFor(t, h, dan); len(got) != 0 {
		t.Errorf("dan pending = %d, want 0 after cancel", len(got))
	}
}

func TestWorkflowLifecycle_visibility(t *testing.T) {
	h := NewTestHarness(t)
	registerDocument(t, h, "doc-600", "contract")

	tests := []struct {
		name string
		who  Principal
		want int
	}{
		{"submitter", erin, http.StatusOK},
		{"assignee", bob, http.StatusOK},
		{"auditor capability", auditor, http.StatusOK},
		{"operator with view capability", ops, http.StatusOK},
		{"dan not yet assigned", dan, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.AssertJSON(t, h.GET("/api/documents/doc-600/workflow", h.Token(tt.who)), tt.want, nil)
		})
	}
}

func TestWorkflowLifecycle_pendingStepsOfAnotherUser(t *testing.T) {
	h := NewTestHarness(t)
	registerDocument(t, h, "doc-700", "contract")

	h.AssertError(t, h.GET("/api/users/u-alice/pending-steps", h.Token(bob)),
		http.StatusForbidden, model.ErrForbidden)

	var list pendingList
	h.AssertJSON(t, h.GET("/api/users/u-alice/pending-steps", h.Token(auditor)), http.StatusOK, &list)
	if list.TotalCount != 1 {
		t.Errorf("total_count = %d, want 1", list.TotalCount)
	}
}

func TestWorkflowLifecycle_notificationInbox(t *testing.T) {
	h := NewTestHarness(t)
	registerDocument(t, h, "doc-800", "contract")

	var inbox struct {
		Data []model.Notification `json:"data"`
	}
	h.AssertJSON(t, h.GET("/api/me/notifications?limit=10", h.Token(alice)), http.StatusOK, &inbox)
	if len(inbox.Data) != 1 || inbox.Data[0].Event != model.NotifyStepAssigned {
		t.Errorf("inbox = %+v, want one step_assigned", inbox.Data)
	}
}

func TestAuthentication(t *testing.T) {
	h := NewTestHarness(t)

	h.AssertError(t, h.GET("/api/me/pending-steps", ""), http.StatusUnauthorized, model.ErrUnauthorized)
	h.AssertError(t, h.GET("/api/me/pending-steps", h.ExpiredToken(alice)), http.StatusUnauthorized, model.ErrUnauthorized)
	h.AssertJSON(t, h.GET("/health", ""), http.StatusOK, nil)
}

func TestAuthentication_reservedSubject(t *testing.T) {
	h := NewTestHarness(t)
	reg := registerDocument(t, h, "doc-550", "contract")
	runPath := "/api/workflow-runs/" + reg.WorkflowRun.ID

	system := Principal{SubjectID: model.SystemActor}
	h.AssertError(t, h.POST(runPath+"/cancel", map[string]string{"reason": "x"}, h.Token(system)),
		http.StatusUnauthorized, model.ErrUnauthorized)
	h.AssertError(t, h.GET(runPath+"/permissions", h.Token(system)),
		http.StatusUnauthorized, model.ErrUnauthorized)

	var view model.RunView
	h.AssertJSON(t, h.GET("/api/documents/doc-550/workflow", h.Token(erin)), http.StatusOK, &view)
	if view.Status != model.RunStatusInProgress {
		t.Errorf("status = %q, want in_progress", view.Status)
	}
}

func TestWorkflowLifecycle_operatorFailsRun(t *testing.T) {
	h := NewTestHarness(t)
	reg := registerDocument(t, h, "doc-900", "contract")
	path := "/api/workflow-runs/" + reg.WorkflowRun.ID + "/fail"

	h.AssertError(t, h.POST(path, map[string]string{"reason": "stuck"}, h.Token(erin)),
		http.StatusForbidden, model.ErrForbidden)

	var run model.WorkflowRun
	h.AssertJSON(t, h.POST(path, map[string]string{"reason": "stuck"}, h.Token(ops)), http.StatusOK, &run)
	if run.Status != model.RunStatusFailed {
		t.Errorf("status = %q, want failed", run.Status)
	}
	if got := h.Notifier.Events("u-erin"); !slices.Contains(got, model.NotifyWorkflowFailed) {
		t.Errorf("submitter events = %v, want workflow_failed", got)
	}
}

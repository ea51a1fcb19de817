package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/docroute/internal/definition"
	"github.com/pitabwire/docroute/internal/directory"
	"github.com/pitabwire/docroute/internal/observability"
	"github.com/pitabwire/docroute/model"
)

const (
	defaultConflictRetries = 3
	overdueBatchSize       = 100
)

// Config carries the optional engine settings.
type Config struct {
	// ConflictRetries bounds how often an operation is retried after a
	// CONFLICT from the store. Negative means no retries.
	ConflictRetries int
	// Now returns the current time. Defaults to time.Now in UTC.
	Now func() time.Time
	// OnCommit is called after a transaction that enqueued outbox messages
	// commits.
	OnCommit func()
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

// Engine runs documents through their workflow templates.
type Engine struct {
	registry    *definition.Registry
	store       Store
	dir         directory.Directory
	resolver    *AssigneeResolver
	capResolver model.CapabilityResolver

	retries  int
	now      func() time.Time
	onCommit func()
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewEngine creates a new workflow engine. capResolver may be nil, in which
// case no actor holds capabilities.
func NewEngine(
	registry *definition.Registry,
	store Store,
	dir directory.Directory,
	capResolver model.CapabilityResolver,
	cfg Config,
) *Engine {
	e := &Engine{
		registry:    registry,
		store:       store,
		dir:         dir,
		capResolver: capResolver,
		retries:     cfg.ConflictRetries,
		now:         cfg.Now,
		onCommit:    cfg.OnCommit,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
	if e.retries == 0 {
		e.retries = defaultConflictRetries
	}
	if e.retries < 0 {
		e.retries = 0
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.resolver = NewAssigneeResolver(dir, e.logger)
	return e
}

// AssignWorkflow binds a template to a document and opens its first step.
// With an empty templateID the first active template matching the
// document's classification is used; found is false when none matches.
// A document that already has an active run gets that run back unchanged.
func (e *Engine) AssignWorkflow(
	ctx context.Context,
	actor model.Actor,
	documentID string,
	templateID string,
) (run model.WorkflowRun, found bool, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.assign",
		observability.AttrDocumentID.String(documentID),
		observability.AttrActorID.String(actor.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Resolve an explicit template before touching the store.
	var explicit model.WorkflowTemplate
	trigger := model.TriggerClassification
	if templateID != "" {
		t, ok := e.registry.ActiveTemplate(templateID)
		if !ok {
			return model.WorkflowRun{}, false, model.NewNotFoundError(
				fmt.Sprintf("active workflow template %q not found", templateID),
			)
		}
		explicit = t
		trigger = model.TriggerManual
	}

	var (
		out     *outcomes
		created bool
	)
	err = e.retry(ctx, "assign", func() error {
		out, created, found, run = nil, false, false, model.WorkflowRun{}
		return e.store.WithinDocument(ctx, documentID, func(tx Tx) error {
			doc, err := tx.GetDocument(ctx, documentID)
			if err != nil {
				return err
			}

			// 2. Authorize.
			if err := e.authorizeAssign(actor, doc); err != nil {
				return err
			}

			// 3. Pick the template.
			tmpl := explicit
			if templateID == "" {
				m, ok := e.registry.MatchClassification(doc.Classification)
				if !ok {
					return nil
				}
				tmpl = m
			}
			found = true

			// 4. Return the active run if there is one.
			active, ok, err := tx.ActiveRunForDocument(ctx, doc.ID)
			if err != nil {
				return err
			}
			if ok {
				run = active
				return nil
			}

			// 5. Create the run and attach it to the document.
			now := e.now()
			out = newOutcomes(now, actor.ID)
			run = model.WorkflowRun{
				ID:         uuid.NewString(),
				DocumentID: doc.ID,
				TemplateID: tmpl.ID,
				Status:     model.RunStatusPending,
				StartedAt:  now,
				AssignedBy: actor.ID,
				UpdatedAt:  now,
				Version:    1,
			}
			if err := tx.CreateRun(ctx, run); err != nil {
				return err
			}
			doc.WorkflowRunID = run.ID
			doc.WorkflowStatus = model.RunStatusPending
			doc.Status = model.DocumentStatusInReview
			doc.UpdatedAt = now
			out.runAudit(run, model.AuditWorkflowAssigned, nil,
				map[string]any{"template_id": tmpl.ID, "status": run.Status, "trigger": trigger}, "")

			// 6. Open the first step.
			if err := e.openNextStep(ctx, tx, out, tmpl, &run, &doc); err != nil {
				return err
			}

			if err := tx.UpdateRun(ctx, &run); err != nil {
				return err
			}
			if err := tx.UpdateDocument(ctx, doc); err != nil {
				return err
			}
			created = true
			return tx.Enqueue(ctx, out.msgs...)
		})
	})
	if err != nil {
		return model.WorkflowRun{}, false, err
	}
	if !found {
		e.logger.Debug("no workflow template matched document", zap.String("document_id", documentID))
		return model.WorkflowRun{}, false, nil
	}

	span.SetAttributes(observability.AttrRunID.String(run.ID), observability.AttrTemplateID.String(run.TemplateID))
	if created {
		e.metrics.RecordWorkflowAssignment(run.TemplateID, trigger)
		e.committed(run, out)
		e.logger.Info("workflow assigned", append(observability.RunFields(run), zap.String("actor_id", actor.ID))...)
	}
	return run, true, nil
}

// CompleteStep records the actor's decision on their pending execution and
// advances the run according to the step's completion policy.
func (e *Engine) CompleteStep(
	ctx context.Context,
	actor model.Actor,
	runID string,
	executionID string,
	decision string,
	comments string,
) (run model.WorkflowRun, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.complete_step",
		observability.AttrRunID.String(runID),
		observability.AttrExecutionID.String(executionID),
		observability.AttrActorID.String(actor.ID),
		observability.AttrDecision.String(decision),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Validate input.
	if !model.IsValidDecision(decision) {
		return model.WorkflowRun{}, model.NewValidationError([]model.FieldError{{
			Field:   "decision",
			Code:    "INVALID_VALUE",
			Message: fmt.Sprintf("decision must be one of approved, rejected, skipped; got %q", decision),
		}})
	}

	var (
		out    *outcomes
		waited time.Duration
	)
	err = e.retry(ctx, "complete_step", func() error {
		out, run = nil, model.WorkflowRun{}
		return e.store.WithinRun(ctx, runID, func(tx Tx) error {
			var err error
			if run, err = tx.GetRun(ctx, runID); err != nil {
				return err
			}
			exec, err := tx.GetExecution(ctx, executionID)
			if err != nil {
				return err
			}

			// 2. Check the execution belongs to the actor and is still open.
			if exec.RunID != run.ID {
				return model.NewRunMismatchError(
					fmt.Sprintf("step execution %q does not belong to workflow run %q", exec.ID, run.ID),
				)
			}
			if exec.AssigneeID != actor.ID {
				return model.NewNotAssignedError(
					fmt.Sprintf("step execution %q is not assigned to %q", exec.ID, actor.ID),
				)
			}
			if !exec.IsPending() {
				return model.NewAlreadyCompletedError(
					fmt.Sprintf("step execution %q is already %s", exec.ID, exec.Status),
				)
			}
			if !run.IsActive() {
				return model.NewWorkflowNotActiveError(
					fmt.Sprintf("workflow run %q is %s", run.ID, run.Status),
				)
			}
			if run.CurrentStep == nil || *run.CurrentStep != exec.StepOrder {
				return model.NewStepClosedError(
					fmt.Sprintf("step %d of workflow run %q is no longer open", exec.StepOrder, run.ID),
				)
			}

			tmpl, step, err := e.templateStep(run, exec.StepOrder)
			if err != nil {
				return err
			}
			doc, err := tx.GetDocument(ctx, run.DocumentID)
			if err != nil {
				return err
			}

			// 3. Record the decision.
			now := e.now()
			out = newOutcomes(now, actor.ID)
			exec.Status = decision
			exec.Comments = comments
			exec.CompletedAt = &now
			if err := tx.UpdateExecution(ctx, exec); err != nil {
				return err
			}
			waited = now.Sub(exec.StartedAt)
			out.audit(model.EntityStepExecution, exec.ID, run.DocumentID, decisionAudit(decision),
				map[string]any{"status": model.ExecutionStatusPending},
				map[string]any{"status": decision, "step_order": exec.StepOrder},
				comments)

			// 4. Evaluate the step policy.
			execs, err := tx.Executions(ctx, run.ID, exec.StepOrder)
			if err != nil {
				return err
			}
			switch evaluateStep(step, execs) {
			case stepComplete:
				if err := e.openNextStep(ctx, tx, out, tmpl, &run, &doc); err != nil {
					return err
				}
			case stepFailed:
				reason := fmt.Sprintf("step %d (%s) rejected by %s", step.StepOrder, step.Name, actor.ID)
				if comments != "" {
					reason += ": " + comments
				}
				e.finishRun(out, &run, &doc, model.RunStatusFailed, reason)
			}

			if err := tx.UpdateRun(ctx, &run); err != nil {
				return err
			}
			if err := tx.UpdateDocument(ctx, doc); err != nil {
				return err
			}
			return tx.Enqueue(ctx, out.msgs...)
		})
	})
	if err != nil {
		return model.WorkflowRun{}, err
	}

	span.SetAttributes(observability.AttrRunStatus.String(run.Status))
	e.metrics.RecordWorkflowDecision(run.TemplateID, decision, waited)
	e.committed(run, out)
	e.logger.Info("step decision recorded", append(observability.RunFields(run),
		zap.String("execution_id", executionID),
		zap.String("actor_id", actor.ID),
		zap.String("decision", decision),
	)...)
	return run, nil
}

// FailRun moves an active run to failed. It performs no authorization and
// is meant for system callers.
func (e *Engine) FailRun(ctx context.Context, actor model.Actor, runID, reason string) (run model.WorkflowRun, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.fail",
		observability.AttrRunID.String(runID),
		observability.AttrActorID.String(actor.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	return e.terminate(ctx, actor, runID, reason, model.RunStatusFailed, nil)
}

// CancelRun moves an active run to cancelled. Only the document submitter
// or an actor holding workflows:cancel may cancel.
func (e *Engine) CancelRun(ctx context.Context, actor model.Actor, runID, reason string) (run model.WorkflowRun, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.cancel",
		observability.AttrRunID.String(runID),
		observability.AttrActorID.String(actor.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	return e.terminate(ctx, actor, runID, reason, model.RunStatusCancelled, func(doc model.Document) error {
		ok, err := e.canCancel(actor, doc)
		if err != nil {
			return err
		}
		if !ok {
			return model.NewForbiddenError(fmt.Sprintf("%q may not cancel workflow run %q", actor.ID, runID))
		}
		return nil
	})
}

// CanCancel reports whether actor may cancel the run right now.
func (e *Engine) CanCancel(ctx context.Context, actor model.Actor, runID string) (bool, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if !run.IsActive() {
		return false, nil
	}
	doc, err := e.store.GetDocument(ctx, run.DocumentID)
	if err != nil {
		return false, err
	}
	return e.canCancel(actor, doc)
}

func (e *Engine) terminate(
	ctx context.Context,
	actor model.Actor,
	runID, reason, status string,
	authorize func(model.Document) error,
) (run model.WorkflowRun, err error) {
	var out *outcomes
	err = e.retry(ctx, "terminate", func() error {
		out, run = nil, model.WorkflowRun{}
		return e.store.WithinRun(ctx, runID, func(tx Tx) error {
			var err error
			if run, err = tx.GetRun(ctx, runID); err != nil {
				return err
			}
			doc, err := tx.GetDocument(ctx, run.DocumentID)
			if err != nil {
				return err
			}
			if authorize != nil {
				if err := authorize(doc); err != nil {
					return err
				}
			}
			if !run.IsActive() {
				return model.NewWorkflowNotActiveError(
					fmt.Sprintf("workflow run %q is already %s", run.ID, run.Status),
				)
			}

			out = newOutcomes(e.now(), actor.ID)
			e.finishRun(out, &run, &doc, status, reason)
			if err := tx.UpdateRun(ctx, &run); err != nil {
				return err
			}
			if err := tx.UpdateDocument(ctx, doc); err != nil {
				return err
			}
			return tx.Enqueue(ctx, out.msgs...)
		})
	})
	if err != nil {
		return model.WorkflowRun{}, err
	}

	e.committed(run, out)
	e.logger.Info("workflow terminated", append(observability.RunFields(run),
		zap.String("actor_id", actor.ID),
		zap.String("reason", reason),
	)...)
	return run, nil
}

// IsRunAssignee reports whether userID holds an execution, in any step and
// any status, of the document's active or most recent run. It reads only the
// store.
func (e *Engine) IsRunAssignee(ctx context.Context, documentID, userID string) (bool, error) {
	run, ok, err := e.store.LatestRunForDocument(ctx, documentID)
	if err != nil || !ok {
		return false, err
	}
	execs, err := e.store.RunExecutions(ctx, run.ID)
	if err != nil {
		return false, err
	}
	for _, ex := range execs {
		if ex.AssigneeID == userID {
			return true, nil
		}
	}
	return false, nil
}

// GetRunForDocument returns the document's active or most recent run with
// its executions grouped by step, or nil when the document never had a run.
func (e *Engine) GetRunForDocument(ctx context.Context, documentID string) (*model.RunView, error) {
	if _, err := e.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	run, ok, err := e.store.LatestRunForDocument(ctx, documentID)
	if err != nil || !ok {
		return nil, err
	}
	execs, err := e.store.RunExecutions(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(execs))
	byStep := make(map[int][]model.StepExecution)
	for _, ex := range execs {
		ids = append(ids, ex.AssigneeID)
		byStep[ex.StepOrder] = append(byStep[ex.StepOrder], ex)
	}
	users, err := directory.Summaries(ctx, e.dir, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve assignees: %w", err)
	}

	view := &model.RunView{WorkflowRun: run}
	var steps []model.StepTemplate
	if tmpl, ok := e.registry.Template(run.TemplateID); ok {
		view.TemplateName = tmpl.Name
		steps = tmpl.OrderedSteps()
	} else {
		for _, ex := range execs {
			if len(steps) == 0 || steps[len(steps)-1].StepOrder != ex.StepOrder {
				steps = append(steps, model.StepTemplate{StepOrder: ex.StepOrder})
			}
		}
	}

	reached := run.CurrentStep
	if reached == nil {
		for i := len(steps) - 1; i >= 0; i-- {
			if len(byStep[steps[i].StepOrder]) > 0 {
				order := steps[i].StepOrder
				reached = &order
				break
			}
		}
	}

	for _, s := range steps {
		sv := model.StepView{
			StepOrder:            s.StepOrder,
			Name:                 s.Name,
			StepType:             s.StepType,
			IsRequired:           s.IsRequired,
			RequiresAllAssignees: s.RequiresAllAssignees,
			Executions:           []model.ExecutionView{},
		}
		for _, ex := range byStep[s.StepOrder] {
			sv.Executions = append(sv.Executions, model.ExecutionView{StepExecution: ex, Assignee: users[ex.AssigneeID]})
		}
		switch {
		case run.IsActive() && run.CurrentStep != nil && *run.CurrentStep == s.StepOrder:
			sv.State = model.StepStateOpen
		case len(sv.Executions) > 0:
			sv.State = model.StepStateClosed
		case run.Status == model.RunStatusCompleted || (reached != nil && s.StepOrder < *reached):
			sv.State = model.StepStateSkipped
		default:
			sv.State = model.StepStateFuture
		}
		view.Steps = append(view.Steps, sv)
	}
	return view, nil
}

// ListPendingStepsForUser returns the user's work queue, oldest first.
func (e *Engine) ListPendingStepsForUser(ctx context.Context, userID string) ([]model.PendingStep, error) {
	pending, err := e.store.PendingExecutionsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	result := make([]model.PendingStep, 0, len(pending))
	for _, p := range pending {
		ps := model.PendingStep{
			Execution:  p.Execution,
			DocumentID: p.DocumentID,
			TemplateID: p.TemplateID,
			Overdue:    p.Execution.DueAt != nil && p.Execution.DueAt.Before(now),
		}
		if tmpl, ok := e.registry.Template(p.TemplateID); ok {
			ps.TemplateName = tmpl.Name
			if step, ok := tmpl.Step(p.Execution.StepOrder); ok {
				ps.StepName = step.Name
				ps.StepType = step.StepType
			}
		}
		result = append(result, ps)
	}
	return result, nil
}

// ProcessOverdue sends one reminder for each pending execution past its
// due time. It never changes run or execution status. Returns the number of
// reminders enqueued.
func (e *Engine) ProcessOverdue(ctx context.Context) (reminded int, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.process_overdue")
	defer func() { observability.EndSpanWithError(span, err) }()

	now := e.now()
	overdue, err := e.store.OverdueExecutions(ctx, now, overdueBatchSize)
	if err != nil {
		return 0, err
	}

	for _, p := range overdue {
		sent := false
		err := e.retry(ctx, "remind", func() error {
			sent = false
			return e.store.WithinRun(ctx, p.Execution.RunID, func(tx Tx) error {
				run, err := tx.GetRun(ctx, p.Execution.RunID)
				if err != nil {
					return err
				}
				exec, err := tx.GetExecution(ctx, p.Execution.ID)
				if err != nil {
					return err
				}
				if !exec.IsPending() || exec.RemindedAt != nil || !run.IsActive() ||
					run.CurrentStep == nil || *run.CurrentStep != exec.StepOrder {
					return nil
				}
				_, step, err := e.templateStep(run, exec.StepOrder)
				if err != nil {
					return err
				}

				out := newOutcomes(now, model.SystemActor)
				exec.RemindedAt = &now
				if err := tx.UpdateExecution(ctx, exec); err != nil {
					return err
				}
				out.notify(exec.AssigneeID, model.NotifyStepOverdue, stepPayload(run, step, exec))
				sent = true
				return tx.Enqueue(ctx, out.msgs...)
			})
		})
		if err != nil {
			e.logger.Warn("overdue reminder failed",
				zap.String("run_id", p.Execution.RunID),
				zap.String("execution_id", p.Execution.ID),
				zap.Error(err),
			)
			continue
		}
		if sent {
			reminded++
			e.metrics.RecordOverdueReminder(p.TemplateID)
		}
	}

	if reminded > 0 {
		e.kick()
		e.logger.Info("overdue reminders sent", zap.Int("count", reminded))
	}
	return reminded, nil
}

// openNextStep opens the first step after run.CurrentStep, auto-skipping
// steps that resolve to no assignees, or completes the run when none is left.
func (e *Engine) openNextStep(
	ctx context.Context,
	tx Tx,
	out *outcomes,
	tmpl model.WorkflowTemplate,
	run *model.WorkflowRun,
	doc *model.Document,
) (err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.open_next_step",
		observability.AttrRunID.String(run.ID),
		observability.AttrTemplateID.String(tmpl.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	for {
		step, ok := tmpl.NextStep(run.CurrentStep)
		if !ok {
			e.finishRun(out, run, doc, model.RunStatusCompleted, "")
			return nil
		}

		before := runState(*run)
		order := step.StepOrder
		run.CurrentStep = &order
		run.Status = model.RunStatusInProgress
		doc.WorkflowStatus = model.RunStatusInProgress
		doc.UpdatedAt = out.now
		out.runAudit(*run, model.AuditStepStarted, before, runState(*run), step.Name)

		assignees, err := e.resolver.Resolve(ctx, *doc, step.Assignees)
		if err != nil {
			return fmt.Errorf("resolve assignees for step %d: %w", order, err)
		}
		if len(assignees) == 0 {
			out.runAudit(*run, model.AuditStepAutoSkipped, nil,
				map[string]any{"step_order": order}, "no assignees configured")
			out.autoSkipped++
			continue
		}

		execs := make([]model.StepExecution, 0, len(assignees))
		for _, id := range assignees {
			execs = append(execs, model.StepExecution{
				ID:         uuid.NewString(),
				RunID:      run.ID,
				StepOrder:  order,
				AssigneeID: id,
				Status:     model.ExecutionStatusPending,
				StartedAt:  out.now,
				DueAt:      step.DueAt(out.now),
			})
		}
		if err := tx.CreateExecutions(ctx, execs...); err != nil {
			return err
		}
		for _, ex := range execs {
			out.notify(ex.AssigneeID, model.NotifyStepAssigned, stepPayload(*run, step, ex))
		}
		return nil
	}
}

// finishRun moves the run to a terminal status and mirrors it onto the
// document. Pending executions of the run are left as they are.
func (e *Engine) finishRun(out *outcomes, run *model.WorkflowRun, doc *model.Document, status, reason string) {
	before := runState(*run)
	now := out.now
	run.Status = status
	run.CurrentStep = nil
	run.CompletedAt = &now
	if reason != "" {
		run.Notes = reason
	}
	doc.Status = status
	doc.WorkflowStatus = status
	doc.UpdatedAt = now

	ev := terminalEvents[status]
	out.runAudit(*run, ev.audit, before, runState(*run), reason)
	payload := runPayload(*run)
	if reason != "" {
		payload["reason"] = reason
	}
	out.notify(doc.SubmittedBy, ev.notify, payload)
	out.finished = status
}

func (e *Engine) templateStep(run model.WorkflowRun, order int) (model.WorkflowTemplate, model.StepTemplate, error) {
	tmpl, ok := e.registry.Template(run.TemplateID)
	if !ok {
		return model.WorkflowTemplate{}, model.StepTemplate{},
			fmt.Errorf("workflow template %q of run %q is not loaded", run.TemplateID, run.ID)
	}
	step, ok := tmpl.Step(order)
	if !ok {
		return model.WorkflowTemplate{}, model.StepTemplate{},
			fmt.Errorf("workflow template %q has no step %d", tmpl.ID, order)
	}
	return tmpl, step, nil
}

func (e *Engine) authorizeAssign(actor model.Actor, doc model.Document) error {
	if actor.System || actor.ID == doc.SubmittedBy {
		return nil
	}
	ok, err := e.hasCapability(actor, model.CapabilityAssignWorkflow)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewForbiddenError(
			fmt.Sprintf("%q may not assign a workflow to document %q", actor.ID, doc.ID),
		)
	}
	return nil
}

func (e *Engine) canCancel(actor model.Actor, doc model.Document) (bool, error) {
	if actor.System || actor.ID == doc.SubmittedBy {
		return true, nil
	}
	return e.hasCapability(actor, model.CapabilityCancelAnyRun)
}

func (e *Engine) hasCapability(actor model.Actor, capability string) (bool, error) {
	if e.capResolver == nil {
		return false, nil
	}
	caps, err := e.capResolver.Resolve(actor)
	if err != nil {
		return false, fmt.Errorf("resolve capabilities: %w", err)
	}
	return caps.Has(capability), nil
}

// retry runs fn until it returns something other than CONFLICT or the retry
// budget is spent.
func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if !model.IsConflict(err) || attempt >= e.retries {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		e.metrics.RecordConflictRetry(op)
		e.logger.Debug("retrying after conflict",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
}

// committed records post-commit metrics and wakes the relay.
func (e *Engine) committed(run model.WorkflowRun, out *outcomes) {
	if out == nil {
		return
	}
	for i := 0; i < out.autoSkipped; i++ {
		e.metrics.RecordStepAutoSkipped(run.TemplateID)
	}
	if out.finished != "" {
		e.metrics.RecordWorkflowCompletion(run.TemplateID, out.finished)
	}
	if len(out.msgs) > 0 {
		e.kick()
	}
}

func (e *Engine) kick() {
	if e.onCommit != nil {
		e.onCommit()
	}
}

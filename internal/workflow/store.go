package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/docroute/model"
)

// Store persists documents, workflow runs, step executions and the outbox.
// Mutations happen inside a transaction obtained through WithinDocument or
// WithinRun; the remaining methods are read-only or operate on the outbox.
type Store interface {
	// WithinDocument runs fn in a transaction holding an exclusive lock on
	// the document row. Returns NOT_FOUND if the document does not exist.
	// Writes made through the Tx are committed only when fn returns nil.
	WithinDocument(ctx context.Context, documentID string, fn func(Tx) error) error

	// WithinRun runs fn in a transaction holding an exclusive lock on the
	// run row. Returns NOT_FOUND if the run does not exist.
	WithinRun(ctx context.Context, runID string, fn func(Tx) error) error

	// CreateDocument registers a document. Returns CONFLICT if the id is
	// already taken.
	CreateDocument(ctx context.Context, doc model.Document) error

	GetDocument(ctx context.Context, documentID string) (model.Document, error)
	GetRun(ctx context.Context, runID string) (model.WorkflowRun, error)

	// LatestRunForDocument returns the document's active run, or its most
	// recently started run when none is active. ok is false when the
	// document has never had a run.
	LatestRunForDocument(ctx context.Context, documentID string) (run model.WorkflowRun, ok bool, err error)

	// RunExecutions returns every execution of a run ordered by step then
	// creation.
	RunExecutions(ctx context.Context, runID string) ([]model.StepExecution, error)

	// PendingExecutionsForUser returns the user's pending executions on the
	// open step of active runs, oldest first.
	PendingExecutionsForUser(ctx context.Context, userID string) ([]PendingExecution, error)

	// OverdueExecutions returns up to limit pending executions on open steps
	// whose due_at is before now and that have not been reminded yet.
	OverdueExecutions(ctx context.Context, now time.Time, limit int) ([]PendingExecution, error)

	// ClaimOutbox leases up to limit undelivered messages with fewer than
	// maxAttempts attempts, oldest first. A claimed message is not returned
	// again until it is marked or its lease expires.
	ClaimOutbox(ctx context.Context, limit, maxAttempts int) ([]model.OutboxMessage, error)
	MarkDelivered(ctx context.Context, id string) error
	// MarkFailed records a delivery failure and releases the lease.
	MarkFailed(ctx context.Context, id, errMsg string) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// Tx is the transactional view of the Store.
type Tx interface {
	GetDocument(ctx context.Context, documentID string) (model.Document, error)
	UpdateDocument(ctx context.Context, doc model.Document) error

	// ActiveRunForDocument returns the document's pending or in-progress
	// run, if any.
	ActiveRunForDocument(ctx context.Context, documentID string) (model.WorkflowRun, bool, error)

	// CreateRun inserts a run. Returns CONFLICT if the document already has
	// an active run.
	CreateRun(ctx context.Context, run model.WorkflowRun) error
	GetRun(ctx context.Context, runID string) (model.WorkflowRun, error)

	// UpdateRun persists run with optimistic locking. run.Version must match
	// the stored version; on success run.Version and run.UpdatedAt are
	// advanced in place. Returns CONFLICT on a version mismatch.
	UpdateRun(ctx context.Context, run *model.WorkflowRun) error

	CreateExecutions(ctx context.Context, execs ...model.StepExecution) error

	// Executions returns the executions of one step of a run in creation
	// order.
	Executions(ctx context.Context, runID string, stepOrder int) ([]model.StepExecution, error)
	GetExecution(ctx context.Context, executionID string) (model.StepExecution, error)

	// UpdateExecution persists exec if the stored execution is still
	// pending. Returns ALREADY_COMPLETED otherwise.
	UpdateExecution(ctx context.Context, exec model.StepExecution) error

	// Enqueue appends messages to the outbox.
	Enqueue(ctx context.Context, msgs ...model.OutboxMessage) error
}

// PendingExecution is a pending execution with the run context needed to
// present it in a work queue.
type PendingExecution struct {
	Execution  model.StepExecution
	DocumentID string
	TemplateID string
}

// claimLease is how long a claimed outbox message stays invisible to other
// relays.
const claimLease = time.Minute

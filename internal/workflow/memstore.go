package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/docroute/model"
)

// MemoryStore is an in-memory Store for tests and single-process
// deployments. A transaction holds the store-wide write lock for its whole
// duration and stages its writes until fn returns nil.
type MemoryStore struct {
	mu         sync.RWMutex
	documents  map[string]model.Document
	runs       map[string]model.WorkflowRun
	executions map[string]model.StepExecution
	runExecs   map[string][]string // key: run ID, creation order
	outbox     []*outboxRecord
	outboxByID map[string]*outboxRecord

	now func() time.Time
}

type outboxRecord struct {
	msg          model.OutboxMessage
	delivered    bool
	claimedUntil time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents:  make(map[string]model.Document),
		runs:       make(map[string]model.WorkflowRun),
		executions: make(map[string]model.StepExecution),
		runExecs:   make(map[string][]string),
		outboxByID: make(map[string]*outboxRecord),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithinDocument runs fn under the store write lock.
func (s *MemoryStore) WithinDocument(_ context.Context, documentID string, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[documentID]; !ok {
		return documentNotFound(documentID)
	}
	return s.run(fn)
}

// WithinRun runs fn under the store write lock.
func (s *MemoryStore) WithinRun(_ context.Context, runID string, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return runNotFound(runID)
	}
	return s.run(fn)
}

// run executes fn against a fresh transaction and applies its writes when
// fn succeeds. Callers hold s.mu.
func (s *MemoryStore) run(fn func(Tx) error) error {
	tx := &memTx{
		s:        s,
		docs:     make(map[string]model.Document),
		runs:     make(map[string]model.WorkflowRun),
		execs:    make(map[string]model.StepExecution),
		newExecs: make(map[string][]string),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// CreateDocument registers a document.
func (s *MemoryStore) CreateDocument(_ context.Context, doc model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.documents[doc.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("document %q already exists", doc.ID))
	}
	s.documents[doc.ID] = doc
	return nil
}

// GetDocument returns a document by ID.
func (s *MemoryStore) GetDocument(_ context.Context, documentID string) (model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[documentID]
	if !ok {
		return model.Document{}, documentNotFound(documentID)
	}
	return doc, nil
}

// GetRun returns a run by ID.
func (s *MemoryStore) GetRun(_ context.Context, runID string) (model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return model.WorkflowRun{}, runNotFound(runID)
	}
	return run, nil
}

// LatestRunForDocument returns the active run or the most recently started
// one.
func (s *MemoryStore) LatestRunForDocument(_ context.Context, documentID string) (model.WorkflowRun, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest model.WorkflowRun
		found  bool
	)
	for _, run := range s.runs {
		if run.DocumentID != documentID {
			continue
		}
		if run.IsActive() {
			return run, true, nil
		}
		if !found || run.StartedAt.After(latest.StartedAt) ||
			(run.StartedAt.Equal(latest.StartedAt) && run.ID > latest.ID) {
			latest, found = run, true
		}
	}
	return latest, found, nil
}

// RunExecutions returns every execution of a run ordered by step.
func (s *MemoryStore) RunExecutions(_ context.Context, runID string) ([]model.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.runExecs[runID]
	result := make([]model.StepExecution, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.executions[id])
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StepOrder < result[j].StepOrder
	})
	return result, nil
}

// PendingExecutionsForUser returns the user's open work, oldest first.
func (s *MemoryStore) PendingExecutionsForUser(_ context.Context, userID string) ([]PendingExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []PendingExecution
	for _, exec := range s.executions {
		if exec.AssigneeID != userID {
			continue
		}
		if p, ok := s.openPendingLocked(exec); ok {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].Execution, result[j].Execution
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		return a.ID < b.ID
	})
	return result, nil
}

// OverdueExecutions returns unreminded pending executions past their due
// time, earliest due first.
func (s *MemoryStore) OverdueExecutions(_ context.Context, now time.Time, limit int) ([]PendingExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []PendingExecution
	for _, exec := range s.executions {
		if exec.DueAt == nil || !exec.DueAt.Before(now) || exec.RemindedAt != nil {
			continue
		}
		if p, ok := s.openPendingLocked(exec); ok {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].Execution, result[j].Execution
		if !a.DueAt.Equal(*b.DueAt) {
			return a.DueAt.Before(*b.DueAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// openPendingLocked reports whether exec is pending on the open step of an
// active run.
func (s *MemoryStore) openPendingLocked(exec model.StepExecution) (PendingExecution, bool) {
	if !exec.IsPending() {
		return PendingExecution{}, false
	}
	run, ok := s.runs[exec.RunID]
	if !ok || !run.IsActive() || run.CurrentStep == nil || *run.CurrentStep != exec.StepOrder {
		return PendingExecution{}, false
	}
	return PendingExecution{Execution: exec, DocumentID: run.DocumentID, TemplateID: run.TemplateID}, true
}

// ClaimOutbox leases undelivered messages in enqueue order.
func (s *MemoryStore) ClaimOutbox(_ context.Context, limit, maxAttempts int) ([]model.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var result []model.OutboxMessage
	for _, rec := range s.outbox {
		if len(result) >= limit {
			break
		}
		if rec.delivered || rec.msg.Attempts >= maxAttempts || rec.claimedUntil.After(now) {
			continue
		}
		rec.claimedUntil = now.Add(claimLease)
		result = append(result, rec.msg)
	}
	return result, nil
}

// MarkDelivered marks a message as delivered.
func (s *MemoryStore) MarkDelivered(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.outboxByID[id]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("outbox message %q not found", id))
	}
	rec.delivered = true
	return nil
}

// MarkFailed records a failed delivery attempt and releases the lease.
func (s *MemoryStore) MarkFailed(_ context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.outboxByID[id]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("outbox message %q not found", id))
	}
	rec.msg.Attempts++
	rec.msg.LastError = errMsg
	rec.claimedUntil = time.Time{}
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// HealthCheck implements observability.HealthChecker.
func (s *MemoryStore) HealthCheck(ctx context.Context) error { return s.Ping(ctx) }

// OutboxMessages returns a copy of every enqueued message, delivered or
// not, in enqueue order.
func (s *MemoryStore) OutboxMessages() []model.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.OutboxMessage, len(s.outbox))
	for i, rec := range s.outbox {
		result[i] = rec.msg
	}
	return result
}

// Undelivered returns the number of messages not yet delivered.
func (s *MemoryStore) Undelivered() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rec := range s.outbox {
		if !rec.delivered {
			n++
		}
	}
	return n
}

// memTx stages writes over the committed state of its MemoryStore.
type memTx struct {
	s        *MemoryStore
	docs     map[string]model.Document
	runs     map[string]model.WorkflowRun
	execs    map[string]model.StepExecution
	newExecs map[string][]string
	outbox   []model.OutboxMessage
}

func (tx *memTx) commit() {
	s := tx.s
	for id, doc := range tx.docs {
		s.documents[id] = doc
	}
	for id, run := range tx.runs {
		s.runs[id] = run
	}
	for id, exec := range tx.execs {
		s.executions[id] = exec
	}
	for runID, ids := range tx.newExecs {
		s.runExecs[runID] = append(s.runExecs[runID], ids...)
	}
	for _, msg := range tx.outbox {
		rec := &outboxRecord{msg: msg}
		s.outbox = append(s.outbox, rec)
		s.outboxByID[msg.ID] = rec
	}
}

func (tx *memTx) document(id string) (model.Document, bool) {
	if doc, ok := tx.docs[id]; ok {
		return doc, true
	}
	doc, ok := tx.s.documents[id]
	return doc, ok
}

func (tx *memTx) run(id string) (model.WorkflowRun, bool) {
	if run, ok := tx.runs[id]; ok {
		return run, true
	}
	run, ok := tx.s.runs[id]
	return run, ok
}

func (tx *memTx) execution(id string) (model.StepExecution, bool) {
	if exec, ok := tx.execs[id]; ok {
		return exec, true
	}
	exec, ok := tx.s.executions[id]
	return exec, ok
}

func (tx *memTx) GetDocument(_ context.Context, documentID string) (model.Document, error) {
	doc, ok := tx.document(documentID)
	if !ok {
		return model.Document{}, documentNotFound(documentID)
	}
	return doc, nil
}

func (tx *memTx) UpdateDocument(_ context.Context, doc model.Document) error {
	if _, ok := tx.document(doc.ID); !ok {
		return documentNotFound(doc.ID)
	}
	tx.docs[doc.ID] = doc
	return nil
}

func (tx *memTx) ActiveRunForDocument(_ context.Context, documentID string) (model.WorkflowRun, bool, error) {
	for id := range tx.runs {
		if run, _ := tx.run(id); run.DocumentID == documentID && run.IsActive() {
			return run, true, nil
		}
	}
	for id := range tx.s.runs {
		if run, _ := tx.run(id); run.DocumentID == documentID && run.IsActive() {
			return run, true, nil
		}
	}
	return model.WorkflowRun{}, false, nil
}

func (tx *memTx) CreateRun(ctx context.Context, run model.WorkflowRun) error {
	if _, exists := tx.run(run.ID); exists {
		return model.NewConflictError(fmt.Sprintf("workflow run %q already exists", run.ID))
	}
	if run.IsActive() {
		if _, active, _ := tx.ActiveRunForDocument(ctx, run.DocumentID); active {
			return model.NewConflictError(
				fmt.Sprintf("document %q already has an active workflow run", run.DocumentID),
			)
		}
	}
	tx.runs[run.ID] = run
	return nil
}

func (tx *memTx) GetRun(_ context.Context, runID string) (model.WorkflowRun, error) {
	run, ok := tx.run(runID)
	if !ok {
		return model.WorkflowRun{}, runNotFound(runID)
	}
	return run, nil
}

func (tx *memTx) UpdateRun(_ context.Context, run *model.WorkflowRun) error {
	existing, ok := tx.run(run.ID)
	if !ok {
		return runNotFound(run.ID)
	}
	if existing.Version != run.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow run %q version conflict (expected %d, got %d)", run.ID, run.Version, existing.Version),
		)
	}
	run.Version++
	run.UpdatedAt = tx.s.now()
	tx.runs[run.ID] = *run
	return nil
}

func (tx *memTx) CreateExecutions(_ context.Context, execs ...model.StepExecution) error {
	for _, exec := range execs {
		if _, exists := tx.execution(exec.ID); exists {
			return model.NewConflictError(fmt.Sprintf("step execution %q already exists", exec.ID))
		}
		if _, ok := tx.run(exec.RunID); !ok {
			return runNotFound(exec.RunID)
		}
		tx.execs[exec.ID] = exec
		tx.newExecs[exec.RunID] = append(tx.newExecs[exec.RunID], exec.ID)
	}
	return nil
}

func (tx *memTx) Executions(_ context.Context, runID string, stepOrder int) ([]model.StepExecution, error) {
	ids := append(append([]string{}, tx.s.runExecs[runID]...), tx.newExecs[runID]...)
	var result []model.StepExecution
	for _, id := range ids {
		if exec, _ := tx.execution(id); exec.StepOrder == stepOrder {
			result = append(result, exec)
		}
	}
	return result, nil
}

func (tx *memTx) GetExecution(_ context.Context, executionID string) (model.StepExecution, error) {
	exec, ok := tx.execution(executionID)
	if !ok {
		return model.StepExecution{}, executionNotFound(executionID)
	}
	return exec, nil
}

func (tx *memTx) UpdateExecution(_ context.Context, exec model.StepExecution) error {
	existing, ok := tx.execution(exec.ID)
	if !ok {
		return executionNotFound(exec.ID)
	}
	if !existing.IsPending() {
		return model.NewAlreadyCompletedError(fmt.Sprintf("step execution %q is already %s", exec.ID, existing.Status))
	}
	tx.execs[exec.ID] = exec
	return nil
}

func (tx *memTx) Enqueue(_ context.Context, msgs ...model.OutboxMessage) error {
	tx.outbox = append(tx.outbox, msgs...)
	return nil
}

func documentNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("document %q not found", id))
}

func runNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("workflow run %q not found", id))
}

func executionNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("step execution %q not found", id))
}

package workflow

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/docroute/model"
)

//go:embed schema.sql
var schemaSQL string

const (
	documentColumns  = `id, title, classification, submitted_by, status, workflow_status, workflow_run_id, created_at, updated_at`
	runColumns       = `id, document_id, template_id, status, current_step, started_at, completed_at, notes, assigned_by, updated_at, version`
	executionColumns = `id, run_id, step_order, assignee_id, status, started_at, completed_at, due_at, reminded_at, comments`
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPgStore creates a new PostgreSQL workflow store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the workflow tables and indexes when missing.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("workflow: migrate: %w", err)
	}
	return nil
}

// WithinDocument locks the document row and runs fn in the transaction.
func (s *PgStore) WithinDocument(ctx context.Context, documentID string, fn func(Tx) error) error {
	return s.within(ctx, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, `SELECT id FROM documents WHERE id = $1 FOR UPDATE`, documentID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return documentNotFound(documentID)
		}
		if err != nil {
			return fmt.Errorf("lock document: %w", err)
		}
		return fn(&pgTx{tx: tx, now: s.now})
	})
}

// WithinRun locks the run row and runs fn in the transaction.
func (s *PgStore) WithinRun(ctx context.Context, runID string, fn func(Tx) error) error {
	return s.within(ctx, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, `SELECT id FROM workflow_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return runNotFound(runID)
		}
		if err != nil {
			return fmt.Errorf("lock workflow run: %w", err)
		}
		return fn(&pgTx{tx: tx, now: s.now})
	})
}

func (s *PgStore) within(ctx context.Context, fn func(pgx.Tx) error) error {
	return mapPgError(pgx.BeginFunc(ctx, s.pool, fn))
}

// mapPgError turns serialization failures, deadlocks and unique violations
// into CONFLICT so the engine retries them.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return model.NewConflictError(fmt.Sprintf("unique constraint %s violated", pgErr.ConstraintName))
	case "40001", "40P01":
		return model.NewConflictError("concurrent modification: " + pgErr.Message)
	}
	return err
}

// CreateDocument inserts a document.
func (s *PgStore) CreateDocument(ctx context.Context, doc model.Document) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		doc.ID, doc.Title, doc.Classification, doc.SubmittedBy, doc.Status,
		doc.WorkflowStatus, doc.WorkflowRunID, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.NewConflictError(fmt.Sprintf("document %q already exists", doc.ID))
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument retrieves a document by ID.
func (s *PgStore) GetDocument(ctx context.Context, documentID string) (model.Document, error) {
	return getDocument(ctx, s.pool, documentID)
}

// GetRun retrieves a run by ID.
func (s *PgStore) GetRun(ctx context.Context, runID string) (model.WorkflowRun, error) {
	return getRun(ctx, s.pool, runID)
}

// LatestRunForDocument returns the active run or the most recent one.
func (s *PgStore) LatestRunForDocument(ctx context.Context, documentID string) (model.WorkflowRun, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs
		WHERE document_id = $1
		ORDER BY status IN ('pending', 'in_progress') DESC, started_at DESC, id DESC
		LIMIT 1`,
		documentID,
	)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowRun{}, false, nil
	}
	if err != nil {
		return model.WorkflowRun{}, false, fmt.Errorf("query latest workflow run: %w", err)
	}
	return run, true, nil
}

// RunExecutions returns every execution of a run ordered by step.
func (s *PgStore) RunExecutions(ctx context.Context, runID string) ([]model.StepExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+`
		FROM step_executions
		WHERE run_id = $1
		ORDER BY step_order, seq`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query step executions: %w", err)
	}
	return collectExecutions(rows)
}

const pendingOpenQuery = `
	SELECT e.id, e.run_id, e.step_order, e.assignee_id, e.status, e.started_at,
	       e.completed_at, e.due_at, e.reminded_at, e.comments,
	       r.document_id, r.template_id
	FROM step_executions e
	JOIN workflow_runs r ON r.id = e.run_id
	WHERE e.status = 'pending'
	  AND r.status IN ('pending', 'in_progress')
	  AND r.current_step = e.step_order`

// PendingExecutionsForUser returns the user's open work, oldest first.
func (s *PgStore) PendingExecutionsForUser(ctx context.Context, userID string) ([]PendingExecution, error) {
	rows, err := s.pool.Query(ctx, pendingOpenQuery+`
	  AND e.assignee_id = $1
	ORDER BY e.started_at, e.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending executions: %w", err)
	}
	return collectPending(rows)
}

// OverdueExecutions returns unreminded pending executions past due.
func (s *PgStore) OverdueExecutions(ctx context.Context, now time.Time, limit int) ([]PendingExecution, error) {
	rows, err := s.pool.Query(ctx, pendingOpenQuery+`
	  AND e.due_at IS NOT NULL AND e.due_at < $1
	  AND e.reminded_at IS NULL
	ORDER BY e.due_at, e.id
	LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query overdue executions: %w", err)
	}
	return collectPending(rows)
}

// ClaimOutbox leases undelivered messages. Concurrent relays skip rows
// already locked by another claimer.
func (s *PgStore) ClaimOutbox(ctx context.Context, limit, maxAttempts int) ([]model.OutboxMessage, error) {
	now := s.now()
	rows, err := s.pool.Query(ctx, `
		UPDATE workflow_outbox SET claimed_until = $1
		WHERE id IN (
			SELECT id FROM workflow_outbox
			WHERE delivered_at IS NULL
			  AND attempts < $2
			  AND (claimed_until IS NULL OR claimed_until < $3)
			ORDER BY seq
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING seq, id, kind, payload, created_at, attempts, last_error`,
		now.Add(claimLease), maxAttempts, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		seq int64
		msg model.OutboxMessage
	}
	var batch []claimed
	for rows.Next() {
		var (
			c       claimed
			payload []byte
		)
		if err := rows.Scan(&c.seq, &c.msg.ID, &c.msg.Kind, &payload,
			&c.msg.CreatedAt, &c.msg.Attempts, &c.msg.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		if err := decodePayload(&c.msg, payload); err != nil {
			return nil, err
		}
		batch = append(batch, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}

	sort.Slice(batch, func(i, j int) bool { return batch[i].seq < batch[j].seq })
	msgs := make([]model.OutboxMessage, len(batch))
	for i, c := range batch {
		msgs[i] = c.msg
	}
	return msgs, nil
}

// MarkDelivered stamps delivered_at on a message.
func (s *PgStore) MarkDelivered(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_outbox SET delivered_at = $1, claimed_until = NULL
		WHERE id = $2`,
		s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("outbox message %q not found", id))
	}
	return nil
}

// MarkFailed records a failed delivery attempt and releases the lease.
func (s *PgStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_outbox
		SET attempts = attempts + 1, last_error = $1, claimed_until = NULL
		WHERE id = $2`,
		errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("outbox message %q not found", id))
	}
	return nil
}

// Ping verifies connectivity.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// HealthCheck implements observability.HealthChecker.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.Ping(ctx)
}

// pgTx implements Tx over a pgx transaction.
type pgTx struct {
	tx  pgx.Tx
	now func() time.Time
}

func (t *pgTx) GetDocument(ctx context.Context, documentID string) (model.Document, error) {
	return getDocument(ctx, t.tx, documentID)
}

func (t *pgTx) UpdateDocument(ctx context.Context, doc model.Document) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE documents SET
			title = $1,
			classification = $2,
			status = $3,
			workflow_status = $4,
			workflow_run_id = $5,
			updated_at = $6
		WHERE id = $7`,
		doc.Title, doc.Classification, doc.Status, doc.WorkflowStatus,
		doc.WorkflowRunID, doc.UpdatedAt, doc.ID,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return documentNotFound(doc.ID)
	}
	return nil
}

func (t *pgTx) ActiveRunForDocument(ctx context.Context, documentID string) (model.WorkflowRun, bool, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs
		WHERE document_id = $1 AND status IN ('pending', 'in_progress')`,
		documentID,
	)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowRun{}, false, nil
	}
	if err != nil {
		return model.WorkflowRun{}, false, fmt.Errorf("query active workflow run: %w", err)
	}
	return run, true, nil
}

func (t *pgTx) CreateRun(ctx context.Context, run model.WorkflowRun) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO workflow_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.DocumentID, run.TemplateID, run.Status, run.CurrentStep,
		run.StartedAt, run.CompletedAt, run.Notes, run.AssignedBy, run.UpdatedAt, run.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.NewConflictError(
				fmt.Sprintf("document %q already has an active workflow run", run.DocumentID),
			)
		}
		return fmt.Errorf("insert workflow run: %w", err)
	}
	return nil
}

func (t *pgTx) GetRun(ctx context.Context, runID string) (model.WorkflowRun, error) {
	return getRun(ctx, t.tx, runID)
}

func (t *pgTx) UpdateRun(ctx context.Context, run *model.WorkflowRun) error {
	now := t.now()
	tag, err := t.tx.Exec(ctx, `
		UPDATE workflow_runs SET
			status = $1,
			current_step = $2,
			completed_at = $3,
			notes = $4,
			version = $5,
			updated_at = $6
		WHERE id = $7 AND version = $8`,
		run.Status, run.CurrentStep, run.CompletedAt, run.Notes,
		run.Version+1, now, run.ID, run.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow run %q version conflict (expected %d)", run.ID, run.Version),
		)
	}
	run.Version++
	run.UpdatedAt = now
	return nil
}

func (t *pgTx) CreateExecutions(ctx context.Context, execs ...model.StepExecution) error {
	if len(execs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range execs {
		batch.Queue(`
			INSERT INTO step_executions (`+executionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			e.ID, e.RunID, e.StepOrder, e.AssigneeID, e.Status,
			e.StartedAt, e.CompletedAt, e.DueAt, e.RemindedAt, e.Comments,
		)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert step executions: %w", err)
	}
	return nil
}

func (t *pgTx) Executions(ctx context.Context, runID string, stepOrder int) ([]model.StepExecution, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+executionColumns+`
		FROM step_executions
		WHERE run_id = $1 AND step_order = $2
		ORDER BY seq`,
		runID, stepOrder,
	)
	if err != nil {
		return nil, fmt.Errorf("query step executions: %w", err)
	}
	return collectExecutions(rows)
}

func (t *pgTx) GetExecution(ctx context.Context, executionID string) (model.StepExecution, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+executionColumns+` FROM step_executions WHERE id = $1`, executionID)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StepExecution{}, executionNotFound(executionID)
	}
	if err != nil {
		return model.StepExecution{}, fmt.Errorf("query step execution: %w", err)
	}
	return exec, nil
}

func (t *pgTx) UpdateExecution(ctx context.Context, exec model.StepExecution) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE step_executions SET
			status = $1,
			completed_at = $2,
			reminded_at = $3,
			comments = $4
		WHERE id = $5 AND status = 'pending'`,
		exec.Status, exec.CompletedAt, exec.RemindedAt, exec.Comments, exec.ID,
	)
	if err != nil {
		return fmt.Errorf("update step execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewAlreadyCompletedError(fmt.Sprintf("step execution %q is no longer pending", exec.ID))
	}
	return nil
}

func (t *pgTx) Enqueue(ctx context.Context, msgs ...model.OutboxMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range msgs {
		payload, err := encodePayload(m)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO workflow_outbox (id, kind, payload, created_at)
			VALUES ($1, $2, $3, $4)`,
			m.ID, m.Kind, payload, m.CreatedAt,
		)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert outbox messages: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getDocument(ctx context.Context, q querier, documentID string) (model.Document, error) {
	var d model.Document
	err := q.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, documentID).Scan(
		&d.ID, &d.Title, &d.Classification, &d.SubmittedBy, &d.Status,
		&d.WorkflowStatus, &d.WorkflowRunID, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Document{}, documentNotFound(documentID)
	}
	if err != nil {
		return model.Document{}, fmt.Errorf("query document: %w", err)
	}
	return d, nil
}

func getRun(ctx context.Context, q querier, runID string) (model.WorkflowRun, error) {
	run, err := scanRun(q.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowRun{}, runNotFound(runID)
	}
	if err != nil {
		return model.WorkflowRun{}, fmt.Errorf("query workflow run: %w", err)
	}
	return run, nil
}

func scanRun(row pgx.Row) (model.WorkflowRun, error) {
	var r model.WorkflowRun
	err := row.Scan(
		&r.ID, &r.DocumentID, &r.TemplateID, &r.Status, &r.CurrentStep,
		&r.StartedAt, &r.CompletedAt, &r.Notes, &r.AssignedBy, &r.UpdatedAt, &r.Version,
	)
	return r, err
}

func scanExecution(row pgx.Row) (model.StepExecution, error) {
	var e model.StepExecution
	err := row.Scan(
		&e.ID, &e.RunID, &e.StepOrder, &e.AssigneeID, &e.Status,
		&e.StartedAt, &e.CompletedAt, &e.DueAt, &e.RemindedAt, &e.Comments,
	)
	return e, err
}

func collectExecutions(rows pgx.Rows) ([]model.StepExecution, error) {
	defer rows.Close()
	var result []model.StepExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step execution: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func collectPending(rows pgx.Rows) ([]PendingExecution, error) {
	defer rows.Close()
	var result []PendingExecution
	for rows.Next() {
		var p PendingExecution
		e := &p.Execution
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.StepOrder, &e.AssigneeID, &e.Status,
			&e.StartedAt, &e.CompletedAt, &e.DueAt, &e.RemindedAt, &e.Comments,
			&p.DocumentID, &p.TemplateID,
		); err != nil {
			return nil, fmt.Errorf("scan pending execution: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func encodePayload(m model.OutboxMessage) ([]byte, error) {
	var v any
	switch m.Kind {
	case model.OutboxAudit:
		v = m.Audit
	case model.OutboxNotification:
		v = m.Notification
	default:
		return nil, fmt.Errorf("outbox message %q has unknown kind %q", m.ID, m.Kind)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox payload: %w", err)
	}
	return payload, nil
}

func decodePayload(m *model.OutboxMessage, payload []byte) error {
	switch m.Kind {
	case model.OutboxAudit:
		m.Audit = &model.AuditEntry{}
		if err := json.Unmarshal(payload, m.Audit); err != nil {
			return fmt.Errorf("unmarshal audit payload: %w", err)
		}
	case model.OutboxNotification:
		m.Notification = &model.Notification{}
		if err := json.Unmarshal(payload, m.Notification); err != nil {
			return fmt.Errorf("unmarshal notification payload: %w", err)
		}
	default:
		return fmt.Errorf("outbox message %q has unknown kind %q", m.ID, m.Kind)
	}
	return nil
}

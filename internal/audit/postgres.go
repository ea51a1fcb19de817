package audit

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/docroute/model"
)

//go:embed schema.sql
var schemaSQL string

// PgSink appends audit entries to the audit_log table.
type PgSink struct {
	pool *pgxpool.Pool
}

// NewPgSink creates a PostgreSQL-backed audit sink.
func NewPgSink(pool *pgxpool.Pool) *PgSink {
	return &PgSink{pool: pool}
}

// Migrate creates the audit table when missing.
func (s *PgSink) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Record inserts the entry. A repeated ID is ignored.
func (s *PgSink) Record(ctx context.Context, e model.AuditEntry) error {
	before, err := marshalState(e.Before)
	if err != nil {
		return err
	}
	after, err := marshalState(e.After)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_log (
			id, entity_type, entity_id, document_id, action, actor_id,
			before, after, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.EntityType, e.EntityID, e.DocumentID, e.Action, e.ActorID,
		before, after, e.Comment, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ForDocument returns a document's audit trail in order.
func (s *PgSink) ForDocument(ctx context.Context, documentID string) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, entity_type, entity_id, document_id, action, actor_id,
		       before, after, comment, created_at
		FROM audit_log
		WHERE document_id = $1
		ORDER BY created_at, seq`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var (
			e             model.AuditEntry
			before, after []byte
		)
		if err := rows.Scan(
			&e.ID, &e.EntityType, &e.EntityID, &e.DocumentID, &e.Action, &e.ActorID,
			&before, &after, &e.Comment, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if before != nil {
			_ = json.Unmarshal(before, &e.Before)
		}
		if after != nil {
			_ = json.Unmarshal(after, &e.After)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HealthCheck implements observability.HealthChecker.
func (s *PgSink) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func marshalState(state map[string]any) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal audit state: %w", err)
	}
	return b, nil
}

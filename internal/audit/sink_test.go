package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/docroute/model"
)

func testEntry(id, docID, action string, ts time.Time) model.AuditEntry {
	return model.AuditEntry{
		ID:         id,
		EntityType: model.EntityWorkflowRun,
		EntityID:   "run-1",
		DocumentID: docID,
		Action:     action,
		ActorID:    "u-alice",
		After:      map[string]any{"status": "in_progress"},
		Timestamp:  ts,
	}
}

func TestMemorySink_dedupesByID(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, e := range []model.AuditEntry{
		testEntry("a-1", "doc-1", model.AuditWorkflowAssigned, now),
		testEntry("a-1", "doc-1", model.AuditWorkflowAssigned, now),
		testEntry("a-2", "doc-1", model.AuditStepStarted, now.Add(time.Second)),
		testEntry("a-3", "doc-2", model.AuditWorkflowAssigned, now),
	} {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	got, err := s.ForDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ForDocument() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(ForDocument()) = %d, want 2", len(got))
	}
	if got[0].Action != model.AuditWorkflowAssigned || got[1].Action != model.AuditStepStarted {
		t.Errorf("actions = [%s %s], want assigned then started", got[0].Action, got[1].Action)
	}
	if n := len(s.Actions()); n != 3 {
		t.Errorf("len(Actions()) = %d, want 3", n)
	}
}

func TestLogSink_Record(t *testing.T) {
	var buf bytes.Buffer
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(&buf),
		zapcore.InfoLevel,
	)
	s := NewLogSink(zap.New(core))

	if err := s.Record(context.Background(), testEntry("a-1", "doc-1", model.AuditWorkflowFailed, time.Now())); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	if entry["msg"] != model.AuditWorkflowFailed {
		t.Errorf("msg = %v, want %s", entry["msg"], model.AuditWorkflowFailed)
	}
	if entry["logger"] != "audit" {
		t.Errorf("logger = %v, want audit", entry["logger"])
	}
	if entry["document_id"] != "doc-1" {
		t.Errorf("document_id = %v, want doc-1", entry["document_id"])
	}
}

// Package audit delivers workflow audit entries to durable sinks.
package audit

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/docroute/model"
)

// Sink records audit entries. Entries may be delivered more than once;
// implementations must treat a repeated entry ID as already recorded.
type Sink interface {
	Record(ctx context.Context, entry model.AuditEntry) error
}

// LogSink writes audit entries to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

// Record logs the entry at info level.
func (s *LogSink) Record(_ context.Context, e model.AuditEntry) error {
	s.logger.Info(e.Action,
		zap.String("audit_id", e.ID),
		zap.String("entity_type", e.EntityType),
		zap.String("entity_id", e.EntityID),
		zap.String("document_id", e.DocumentID),
		zap.String("actor_id", e.ActorID),
		zap.Any("before", e.Before),
		zap.Any("after", e.After),
		zap.String("comment", e.Comment),
		zap.Time("timestamp", e.Timestamp),
	)
	return nil
}

// MemorySink keeps audit entries in memory, deduplicated by ID.
type MemorySink struct {
	mu      sync.RWMutex
	entries []model.AuditEntry
	seen    map[string]bool
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{seen: make(map[string]bool)}
}

// Record stores the entry unless its ID was already recorded.
func (s *MemorySink) Record(_ context.Context, e model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen[e.ID] {
		return nil
	}
	s.seen[e.ID] = true
	s.entries = append(s.entries, e)
	return nil
}

// ForDocument returns the entries recorded for a document in timestamp
// order.
func (s *MemorySink) ForDocument(_ context.Context, documentID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.AuditEntry
	for _, e := range s.entries {
		if e.DocumentID == documentID {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// Actions returns the recorded actions in record order.
func (s *MemorySink) Actions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	actions := make([]string, len(s.entries))
	for i, e := range s.entries {
		actions[i] = e.Action
	}
	return actions
}

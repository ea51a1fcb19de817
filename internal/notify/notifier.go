// Package notify delivers notification intents to users.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/docroute/model"
)

// Notifier delivers a notification. A notification may be handed over more
// than once; implementations should drop repeats by Notification.ID.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// LogNotifier writes notifications to a zap logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier logging to logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

// Notify logs the notification.
func (n *LogNotifier) Notify(_ context.Context, note model.Notification) error {
	n.logger.Info("notification",
		zap.String("notification_id", note.ID),
		zap.String("user_id", note.UserID),
		zap.String("event", note.Event),
		zap.Any("payload", note.Payload),
	)
	return nil
}

// MemoryNotifier keeps notifications per user in memory.
type MemoryNotifier struct {
	mu     sync.RWMutex
	byUser map[string][]model.Notification
	seen   map[string]bool
}

// NewMemoryNotifier creates an empty in-memory notifier.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{
		byUser: make(map[string][]model.Notification),
		seen:   make(map[string]bool),
	}
}

// Notify stores the notification unless its ID was seen before.
func (n *MemoryNotifier) Notify(_ context.Context, note model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.seen[note.ID] {
		return nil
	}
	n.seen[note.ID] = true
	n.byUser[note.UserID] = append(n.byUser[note.UserID], note)
	return nil
}

// Inbox returns up to limit of the user's notifications, newest first. A
// limit of zero or less returns all of them.
func (n *MemoryNotifier) Inbox(_ context.Context, userID string, limit int64) ([]model.Notification, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	all := n.byUser[userID]
	result := make([]model.Notification, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && int64(len(result)) >= limit {
			break
		}
		result = append(result, all[i])
	}
	return result, nil
}

// Events returns the events delivered to userID in delivery order.
func (n *MemoryNotifier) Events(userID string) []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	events := make([]string, len(n.byUser[userID]))
	for i, note := range n.byUser[userID] {
		events[i] = note.Event
	}
	return events
}

// HealthCheck implements observability.HealthChecker.
func (n *MemoryNotifier) HealthCheck(context.Context) error { return nil }

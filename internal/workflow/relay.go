package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/docroute/internal/audit"
	"github.com/pitabwire/docroute/internal/notify"
	"github.com/pitabwire/docroute/internal/observability"
	"github.com/pitabwire/docroute/model"
)

// RelayConfig configures a Relay.
type RelayConfig struct {
	BatchSize   int
	MaxAttempts int
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// Relay delivers committed outbox messages to the audit sink and notifier.
// Delivery is at least once: a message is marked delivered only after the
// collaborator accepted it, and is dropped after MaxAttempts failures.
type Relay struct {
	store       Store
	sink        audit.Sink
	notifier    notify.Notifier
	batchSize   int
	maxAttempts int
	kick        chan struct{}
	logger      *zap.Logger
	metrics     *observability.Metrics
}

// NewRelay creates a relay over store.
func NewRelay(store Store, sink audit.Sink, notifier notify.Notifier, cfg RelayConfig) *Relay {
	r := &Relay{
		store:       store,
		sink:        sink,
		notifier:    notifier,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		kick:        make(chan struct{}, 1),
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 5
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Kick asks a running relay to drain now. It never blocks.
func (r *Relay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run drains the outbox every interval and whenever kicked, until ctx is
// done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.kick:
		}
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox drain failed", zap.Error(err))
		}
	}
}

// Drain delivers claimable messages batch by batch. It stops after a short
// batch or a batch with failures so failing messages are retried on the
// next tick rather than in a tight loop. Returns the number delivered.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	delivered := 0
	for {
		msgs, err := r.store.ClaimOutbox(ctx, r.batchSize, r.maxAttempts)
		if err != nil {
			return delivered, err
		}
		failed := 0
		for _, m := range msgs {
			if r.deliver(ctx, m) {
				delivered++
			} else {
				failed++
			}
		}
		if len(msgs) < r.batchSize || failed > 0 {
			return delivered, nil
		}
	}
}

func (r *Relay) deliver(ctx context.Context, m model.OutboxMessage) bool {
	ctx, span := observability.StartSpan(ctx, "outbox.deliver", observability.AttrOutboxKind.String(m.Kind))
	err := r.send(ctx, m)
	observability.EndSpanWithError(span, err)

	if err == nil {
		if markErr := r.store.MarkDelivered(ctx, m.ID); markErr != nil {
			r.logger.Error("failed to mark outbox message delivered",
				zap.String("outbox_id", m.ID), zap.Error(markErr))
		}
		r.metrics.RecordOutboxDelivery(m.Kind)
		return true
	}

	dropped := m.Attempts+1 >= r.maxAttempts
	r.metrics.RecordOutboxFailure(m.Kind, dropped)
	fields := []zap.Field{
		zap.String("outbox_id", m.ID),
		zap.String("kind", m.Kind),
		zap.Int("attempt", m.Attempts+1),
		zap.Error(err),
	}
	if dropped {
		r.logger.Error("dropping outbox message after max attempts", fields...)
	} else {
		r.logger.Warn("outbox delivery failed, will retry", fields...)
	}
	if markErr := r.store.MarkFailed(ctx, m.ID, err.Error()); markErr != nil {
		r.logger.Error("failed to mark outbox message failed",
			zap.String("outbox_id", m.ID), zap.Error(markErr))
	}
	return false
}

func (r *Relay) send(ctx context.Context, m model.OutboxMessage) error {
	switch m.Kind {
	case model.OutboxAudit:
		if m.Audit == nil {
			return fmt.Errorf("audit message %q has no entry", m.ID)
		}
		return r.sink.Record(ctx, *m.Audit)
	case model.OutboxNotification:
		if m.Notification == nil {
			return fmt.Errorf("notification message %q has no notification", m.ID)
		}
		return r.notifier.Notify(ctx, *m.Notification)
	default:
		return fmt.Errorf("unknown outbox message kind %q", m.Kind)
	}
}

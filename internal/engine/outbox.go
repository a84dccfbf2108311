package engine

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"go.uber.org/zap"
)

type outboxItem struct {
	feedback   *domain.Feedback
	validation *domain.ValidationRequest
	attempts   int
}

// Outbox decouples registry submissions from the trading path. Items are
// queued after commit and delivered by Run; failures stay queued.
type Outbox struct {
	reputation ReputationRegistry
	validation ValidationRegistry

	mu      sync.Mutex
	flushMu sync.Mutex
	queue   []outboxItem
	limit   int

	metrics *Metrics
	logger  *zap.Logger
}

func NewOutbox(rep ReputationRegistry, val ValidationRegistry, limit int, metrics *Metrics, logger *zap.Logger) *Outbox {
	if limit <= 0 {
		limit = 10_000
	}
	return &Outbox{
		reputation: rep,
		validation: val,
		limit:      limit,
		metrics:    metrics,
		logger:     logger.Named("outbox"),
	}
}

func (o *Outbox) EnqueueFeedback(f domain.Feedback) {
	o.enqueue(outboxItem{feedback: &f})
}

func (o *Outbox) EnqueueValidation(r domain.ValidationRequest) {
	o.enqueue(outboxItem{validation: &r})
}

func (o *Outbox) enqueue(item outboxItem) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.queue) >= o.limit {
		// Oldest first out.
		o.logger.Warn("outbox full, dropping oldest submission", zap.Int("limit", o.limit))
		o.queue = o.queue[1:]
	}
	o.queue = append(o.queue, item)
	o.observe()
}

func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Flush tries every queued item once and returns how many were delivered.
func (o *Outbox) Flush(ctx context.Context) int {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	o.mu.Lock()
	batch := o.queue
	o.queue = nil
	o.mu.Unlock()

	var failed []outboxItem
	for i, item := range batch {
		if ctx.Err() != nil {
			failed = append(failed, batch[i:]...)
			break
		}
		if err := o.deliver(ctx, item); err != nil {
			item.attempts++
			o.logger.Warn("registry submission failed", zap.Int("attempts", item.attempts), zap.Error(err))
			failed = append(failed, item)
		}
	}

	o.mu.Lock()
	o.queue = append(failed, o.queue...)
	o.observe()
	o.mu.Unlock()

	return len(batch) - len(failed)
}

func (o *Outbox) deliver(ctx context.Context, item outboxItem) error {
	if item.feedback != nil {
		return o.reputation.SubmitFeedback(ctx, *item.feedback)
	}
	return o.validation.RequestValidation(ctx, *item.validation)
}

// Run flushes on every tick until ctx is done.
func (o *Outbox) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Info("outbox started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("outbox stopped", zap.Int("pending", o.Pending()))
			return
		case <-ticker.C:
			if o.Pending() > 0 {
				o.Flush(ctx)
			}
		}
	}
}

func (o *Outbox) observe() {
	if o.metrics != nil {
		o.metrics.OutboxPending.Set(float64(len(o.queue)))
	}
}

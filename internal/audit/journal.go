package audit

/*
journal.go keeps the event trail off the hot path of the router.

Events are handed over through a buffered channel, batched by a single worker
(100 events or every 500ms) and written to storage in one call. Stop closes
the channel and waits until the worker has drained and flushed what is left.
When the buffer is full the event is shed and logged instead of blocking a trade.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultBufferSize    = 10000
	defaultBatchSize     = 100
	defaultFlushInterval = 500 * time.Millisecond
)

// Storage is where batches of events end up (Postgres in production).
type Storage interface {
	WriteBatch(ctx context.Context, events []Event) error
}

// BufferObserver receives the channel fill level after each enqueue.
type BufferObserver func(size int)

type Journal struct {
	ch            chan Event
	repo          Storage
	logger        *zap.Logger
	flushInterval time.Duration
	observe       BufferObserver
	wg            sync.WaitGroup

	// mu orders sends against close: Emit holds it shared, Stop exclusively.
	mu     sync.RWMutex
	closed bool
}

func NewJournal(repo Storage, logger *zap.Logger, bufferSize int, flushInterval time.Duration) *Journal {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &Journal{
		ch:            make(chan Event, bufferSize),
		repo:          repo,
		logger:        logger.With(zap.String("mod", "journal")),
		flushInterval: flushInterval,
	}
}

// ObserveBuffer installs a callback used to export the buffer fill level.
func (j *Journal) ObserveBuffer(fn BufferObserver) {
	j.observe = fn
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop rejects new events and waits for the worker to flush the buffer.
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	j.logger.Info("stopping journal: closing channel and flushing buffer...")
	close(j.ch)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

func (j *Journal) Emit(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.logger.Warn("event dropped: journal is stopping", zap.String("id", event.ID), zap.String("type", string(event.Type)))
		return
	}

	select {
	case j.ch <- event:
		if j.observe != nil {
			j.observe(len(j.ch))
		}
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.String("type", string(event.Type)),
			zap.String("principal", event.Principal.Hex()),
			zap.Uint64("strategy_id", uint64(event.StrategyID)),
			zap.String("trace_id", event.TraceID),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]Event, 0, defaultBatchSize)
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// The caller context may already be gone during shutdown.
		if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
			j.logger.Error("journal flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= defaultBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

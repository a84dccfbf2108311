package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Lease reports whether this instance may write. Usage counters and breaker
// baselines live in the writer's memory, so exactly one instance may change
// them at a time.
type Lease interface {
	Held() bool
}

var (
	renewLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// WriterLease is a single-writer lock in Redis. The holder renews it every
// ttl/3; an instance that cannot renew stops writing before the key expires
// and another one can take over.
type WriterLease struct {
	rdb    *redis.Client
	key    string
	holder string
	ttl    time.Duration
	held   atomic.Bool
	logger *zap.Logger
}

func NewWriterLease(rdb *redis.Client, key string, ttl time.Duration, logger *zap.Logger) *WriterLease {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &WriterLease{
		rdb:    rdb,
		key:    key,
		holder: uuid.NewString(),
		ttl:    ttl,
		logger: logger.Named("lease"),
	}
}

func (l *WriterLease) Held() bool { return l.held.Load() }

func (l *WriterLease) Holder() string { return l.holder }

// Run competes for the lease until ctx is done, then releases it. onAcquire
// runs before Held turns true; a failing onAcquire gives the lease back.
func (l *WriterLease) Run(ctx context.Context, onAcquire func(ctx context.Context) error) {
	l.logger.Info("writer lease loop started", zap.String("holder", l.holder), zap.Duration("ttl", l.ttl))

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		l.step(ctx, onAcquire)
		select {
		case <-ctx.Done():
			l.release()
			return
		case <-ticker.C:
		}
	}
}

// step renews a held lease or tries to take a free one.
func (l *WriterLease) step(ctx context.Context, onAcquire func(ctx context.Context) error) {
	callCtx, cancel := context.WithTimeout(ctx, l.ttl/3)
	defer cancel()

	// 1. Holder: extend, or step down at once if Redis disagrees.
	if l.held.Load() {
		n, err := renewLease.Run(callCtx, l.rdb, []string{l.key}, l.holder, l.ttl.Milliseconds()).Int()
		if err == nil && n == 1 {
			return
		}
		l.held.Store(false)
		l.logger.Warn("writer lease lost", zap.String("holder", l.holder), zap.Error(err))
		return
	}

	// 2. Follower: try to take a free lease.
	ok, err := l.rdb.SetNX(callCtx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		l.logger.Warn("writer lease check failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	// 3. New writer: catch up with the durable state first.
	if onAcquire != nil {
		if err := onAcquire(ctx); err != nil {
			l.logger.Error("writer takeover failed, releasing lease", zap.Error(err))
			l.release()
			return
		}
	}
	l.held.Store(true)
	l.logger.Info("writer lease acquired", zap.String("holder", l.holder))
}

// release gives the lease back if this instance still owns it.
func (l *WriterLease) release() {
	l.held.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseLease.Run(ctx, l.rdb, []string{l.key}, l.holder).Err(); err != nil {
		l.logger.Warn("writer lease release failed", zap.Error(fmt.Errorf("release %s: %w", l.key, err)))
	}
}

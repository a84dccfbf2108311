package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// WarmupState seeds the shared Redis set from this instance's store. Only the
// instance holding lockKey writes, and only into an empty set.
func WarmupState(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	ids []string,
	redisKey string,
	lockKey string,
) error {
	// 1. Short-lived lock: whoever gets it warms up, everyone else skips.
	ok, err := rdb.SetNX(ctx, lockKey, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		// Network trouble or another instance is already warming up.
		return nil
	}

	// 2. A populated set is already authoritative; never overwrite it.
	count, err := rdb.SCard(ctx, redisKey).Result()
	if err != nil {
		count = 0
		logger.Warn("could not check Redis set size, proceeding with warm-up",
			zap.String("key", redisKey), zap.Error(err))
	}

	// 3. Empty set (fresh Redis, flushed cache): copy ours in.
	if count == 0 && len(ids) > 0 {
		logger.Info("Redis set is empty, warming up from store",
			zap.String("key", redisKey), zap.Int("count", len(ids)))

		members := make([]interface{}, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		return rdb.SAdd(ctx, redisKey, members...).Err()
	}
	return nil
}

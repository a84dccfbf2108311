package engine

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ListenStateResilient keeps a Redis subscription alive across disconnects and
// hands every "<id>:<status>" payload to onMessage. The id may itself contain
// colons; status is whatever follows the last one. onReconnect resyncs state
// after every successful subscribe.
func ListenStateResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error,
	onMessage func(id, status string),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// 1. The subscription is only real once Redis confirms it.
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		// 2. Anything published while we were away is lost: resync from the
		// shared state on every (re)connect.
		if err := onReconnect(); err != nil {
			logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // channel closed, go reconnect
				}

				// 3. Split "<id>:<status>" at the last colon.
				i := strings.LastIndexByte(msg.Payload, ':')
				if i <= 0 || i == len(msg.Payload)-1 {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}
				onMessage(msg.Payload[:i], msg.Payload[i+1:])
			}
		}

		// 4. Short pause so a flapping Redis does not spin us.
		pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

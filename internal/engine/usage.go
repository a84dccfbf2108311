package engine

import (
	"context"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"github.com/xela07ax/spaceai-agent-router/internal/txn"
)

// UsageRecord is created lazily on a strategy's first action.
type UsageRecord struct {
	LastTradeAt  time.Time `json:"last_trade_at"`
	LastActionAt time.Time `json:"last_action_at"`
}

type volumeKey struct {
	id  domain.StrategyID
	day int64
}

// UsageTracker accumulates per-strategy activity. Volume buckets are keyed by
// UTC day and never deleted; a new day simply starts a new bucket.
type UsageTracker struct {
	mu      sync.Mutex
	records map[domain.StrategyID]UsageRecord
	volume  map[volumeKey]uint256.Int
}

func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		records: make(map[domain.StrategyID]UsageRecord),
		volume:  make(map[volumeKey]uint256.Int),
	}
}

// Day is the bucket index of t.
func Day(t time.Time) int64 {
	return t.Unix() / int64(domain.OneDay/time.Second)
}

func (u *UsageTracker) Record(id domain.StrategyID) UsageRecord {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.records[id]
}

func (u *UsageTracker) DailyVolume(id domain.StrategyID, day int64) uint256.Int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.volume[volumeKey{id: id, day: day}]
}

// RecordTrade stamps the trade clock and adds qty to the day's volume.
func (u *UsageTracker) RecordTrade(ctx context.Context, id domain.StrategyID, at time.Time, qty *uint256.Int) uint256.Int {
	u.mu.Lock()
	defer u.mu.Unlock()

	key := volumeKey{id: id, day: Day(at)}
	oldRec, hadRec := u.records[id]
	oldVol, hadVol := u.volume[key]

	rec := oldRec
	rec.LastTradeAt = at
	rec.LastActionAt = at
	u.records[id] = rec

	var vol uint256.Int
	vol.Add(&oldVol, qty)
	u.volume[key] = vol

	txn.OnRollback(ctx, func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		if hadRec {
			u.records[id] = oldRec
		} else {
			delete(u.records, id)
		}
		if hadVol {
			u.volume[key] = oldVol
		} else {
			delete(u.volume, key)
		}
	})
	return vol
}

// RecordAction stamps non-trading activity (lending, cancels).
func (u *UsageTracker) RecordAction(ctx context.Context, id domain.StrategyID, at time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()

	old, had := u.records[id]
	rec := old
	rec.LastActionAt = at
	u.records[id] = rec

	txn.OnRollback(ctx, func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		if had {
			u.records[id] = old
		} else {
			delete(u.records, id)
		}
	})
}

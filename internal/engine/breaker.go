package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"github.com/xela07ax/spaceai-agent-router/internal/txn"
	"github.com/xela07ax/spaceai-agent-router/internal/venue"
)

// Trip describes a drawdown breach. It travels as the cause of
// domain.ErrCircuitBreakerTriggered.
type Trip struct {
	Principal   domain.Address
	StrategyID  domain.StrategyID
	Start       uint256.Int
	Current     uint256.Int
	DrawdownBps uint64
	LimitBps    uint64
}

func (t *Trip) Error() string {
	return fmt.Sprintf("drawdown %d bps exceeds %d bps (start %s, current %s)",
		t.DrawdownBps, t.LimitBps, t.Start.Dec(), t.Current.Dec())
}

type dayKey struct {
	principal domain.Address
	day       int64
}

// CircuitBreaker keeps the first portfolio observation of each principal's
// day and compares later observations against it.
type CircuitBreaker struct {
	mu     sync.Mutex
	start  map[dayKey]uint256.Int
	valuer venue.Valuer
	usage  *UsageTracker
}

func NewCircuitBreaker(valuer venue.Valuer, usage *UsageTracker) *CircuitBreaker {
	return &CircuitBreaker{
		start:  make(map[dayKey]uint256.Int),
		valuer: valuer,
		usage:  usage,
	}
}

// StartOfDay returns the recorded baseline for principal on day.
func (b *CircuitBreaker) StartOfDay(principal domain.Address, day int64) (uint256.Int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.start[dayKey{principal: principal, day: day}]
	return v, ok
}

// Evaluate runs after a trade has been applied. It fails with
// ErrDailyVolumeExceeded when the strategy's volume for the day is over the
// limit, and with ErrCircuitBreakerTriggered when the principal's drawdown
// since the day's first observation is over MaxDailyDrawdown.
func (b *CircuitBreaker) Evaluate(ctx context.Context, principal domain.Address, id domain.StrategyID, p *domain.Policy, now time.Time) error {
	day := Day(now)

	if !p.DailyVolumeLimit.IsZero() {
		vol := b.usage.DailyVolume(id, day)
		if vol.Gt(&p.DailyVolumeLimit) {
			return domain.ErrDailyVolumeExceeded.Withf("volume %s over limit %s", vol.Dec(), p.DailyVolumeLimit.Dec())
		}
	}

	if p.MaxDailyDrawdown == 0 {
		return nil
	}

	current, err := b.valuer.PortfolioValue(ctx, principal)
	if err != nil {
		return fmt.Errorf("portfolio value: %w", err)
	}

	key := dayKey{principal: principal, day: day}
	b.mu.Lock()
	start, ok := b.start[key]
	if !ok {
		b.start[key] = current
		b.mu.Unlock()
		txn.OnRollback(ctx, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.start, key)
		})
		return nil
	}
	b.mu.Unlock()

	if start.IsZero() || !current.Lt(&start) {
		return nil
	}

	var diff, drawdown uint256.Int
	diff.Sub(&start, &current)
	drawdown.MulDivOverflow(&diff, uint256.NewInt(domain.BpsDenominator), &start)

	bps := drawdown.Uint64()
	if bps <= p.MaxDailyDrawdown {
		return nil
	}
	return domain.ErrCircuitBreakerTriggered.Wrap(&Trip{
		Principal:   principal,
		StrategyID:  id,
		Start:       start,
		Current:     current,
		DrawdownBps: bps,
		LimitBps:    p.MaxDailyDrawdown,
	})
}

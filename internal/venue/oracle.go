package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
)

type quote struct {
	price     uint256.Int
	updatedAt time.Time
}

// StaticOracle serves prices pushed with SetPrice. A quote older than maxAge
// is stale; zero maxAge disables the check.
type StaticOracle struct {
	mu     sync.RWMutex
	quotes map[domain.Address]quote
	maxAge time.Duration
	now    func() time.Time
}

func NewStaticOracle(maxAge time.Duration, now func() time.Time) *StaticOracle {
	if now == nil {
		now = time.Now
	}
	return &StaticOracle{quotes: make(map[domain.Address]quote), maxAge: maxAge, now: now}
}

func (o *StaticOracle) SetPrice(token domain.Address, price *uint256.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotes[token] = quote{price: *price, updatedAt: o.now()}
}

func (o *StaticOracle) Price(_ context.Context, token domain.Address) (uint256.Int, error) {
	o.mu.RLock()
	q, ok := o.quotes[token]
	o.mu.RUnlock()

	if !ok {
		return uint256.Int{}, fmt.Errorf("%w for %s", ErrNoPrice, token.Hex())
	}
	if o.maxAge > 0 && o.now().Sub(q.updatedAt) > o.maxAge {
		return uint256.Int{}, domain.ErrStalePrice.Withf("%s quoted at %s", token.Hex(), q.updatedAt.Format(time.RFC3339))
	}
	return q.price, nil
}

// ParsePrice turns a decimal quote such as "2450.5" into the 1e18 scale.
func ParsePrice(s string) (uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("price %q: %w", s, err)
	}
	if !d.IsPositive() {
		return uint256.Int{}, fmt.Errorf("price %q must be positive", s)
	}
	v, overflow := uint256.FromBig(d.Shift(18).BigInt())
	if overflow {
		return uint256.Int{}, fmt.Errorf("price %q overflows", s)
	}
	return *v, nil
}

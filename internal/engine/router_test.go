package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-agent-router/internal/audit"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"github.com/xela07ax/spaceai-agent-router/internal/identity"
	"github.com/xela07ax/spaceai-agent-router/internal/policy"
	"github.com/xela07ax/spaceai-agent-router/internal/venue"
	"go.uber.org/zap"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca401")
	dave  = common.HexToAddress("0x0000000000000000000000000000000000000da7")
	weth  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	dai   = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	pool  = domain.Pool{Base: weth, Quote: usdc}
)

const strategy domain.StrategyID = 1

func u(n uint64) *uint256.Int { return uint256.NewInt(n) }

// price returns num/den in the 1e18 scale.
func price(num, den uint64) *uint256.Int {
	var out uint256.Int
	out.Mul(&domain.HealthFactorOne, u(num))
	return out.Div(&out, u(den))
}

type recordingRegistry struct {
	mu          sync.Mutex
	fail        error
	feedback    []domain.Feedback
	validations []domain.ValidationRequest
}

func (r *recordingRegistry) SubmitFeedback(_ context.Context, f domain.Feedback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.feedback = append(r.feedback, f)
	return nil
}

func (r *recordingRegistry) RequestValidation(_ context.Context, v domain.ValidationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.validations = append(r.validations, v)
	return nil
}

type fixture struct {
	router   *Router
	registry *identity.Registry
	ledger   *venue.Ledger
	oracle   *venue.StaticOracle
	events   *audit.Memory
	outbox   *Outbox
	remote   *recordingRegistry
	metrics  *Metrics
	now      time.Time
}

// newFixture funds alice with 2950 WETH at 2.0 and 4100 USDC at 1.0: a
// portfolio of exactly 10000. Strategy 1 is controlled by bob.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: identity.NewRegistry(),
		events:   audit.NewMemory(),
		remote:   &recordingRegistry{},
		metrics:  NewMetrics(nil),
		now:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	f.oracle = venue.NewStaticOracle(0, clock)
	f.oracle.SetPrice(weth, price(2, 1))
	f.oracle.SetPrice(usdc, price(1, 1))
	f.oracle.SetPrice(dai, price(1, 1))
	f.ledger = venue.NewLedger(f.oracle, 0)

	ctx := context.Background()
	require.NoError(t, f.ledger.Deposit(ctx, alice, weth, u(2950)))
	require.NoError(t, f.ledger.Deposit(ctx, alice, usdc, u(4100)))

	f.registry.Register(strategy, bob)
	f.outbox = NewOutbox(f.remote, f.remote, 0, f.metrics, zap.NewNop())

	store := policy.NewStore(f.registry, policy.NewCatalog(clock), zap.NewNop(),
		policy.WithEmitter(f.events), policy.WithClock(clock))
	f.router = NewRouter(Deps{
		Resolver: f.registry,
		Policies: store,
		Grants:   policy.NewAuthorizations(policy.NopPersister{}, zap.NewNop()),
		Venue:    f.ledger,
		Outbox:   f.outbox,
		Emitter:  f.events,
		Metrics:  f.metrics,
		Clock:    clock,
		Logger:   zap.NewNop(),
	})
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

// collateralize gives alice 3750 DAI of collateral and 1000 USDC of debt,
// which puts her health factor at exactly 3.0x.
func (f *fixture) collateralize(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.ledger.Deposit(ctx, alice, dai, u(3750)))
	require.NoError(t, f.ledger.DepositLocal(ctx, alice, dai, u(3750)))
	require.NoError(t, f.ledger.BorrowForUser(ctx, alice, usdc, u(1000)))
}

func (f *fixture) buy(qty uint64) (domain.ExecutionResult, error) {
	return f.router.ExecuteMarketOrder(context.Background(), bob, alice, strategy, domain.MarketOrderRequest{
		Pool: pool, Side: domain.SideBuy, Quantity: *u(qty),
	})
}

func openPolicy() domain.Policy {
	return domain.Policy{
		MaxOrderSize:    *u(1000),
		MinHealthFactor: domain.HealthFactorOne,
		Permissions: domain.Permissions{
			AllowMarketOrders:       true,
			AllowLimitOrders:        true,
			AllowSwap:               true,
			AllowBorrow:             true,
			AllowRepay:              true,
			AllowSupplyCollateral:   true,
			AllowWithdrawCollateral: true,
			AllowPlaceLimitOrder:    true,
			AllowCancelOrder:        true,
			AllowBuy:                true,
			AllowSell:               true,
		},
	}
}

func healthFactor(t *testing.T, s string) uint256.Int {
	t.Helper()
	hf, err := policy.ParseHealthFactor(s)
	require.NoError(t, err)
	return hf
}

func TestConservativeTemplateMarketOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.collateralize(t)

	require.NoError(t, f.router.AuthorizeFromTemplate(ctx, alice, strategy, policy.TemplateConservative, domain.Customization{}))

	res, err := f.buy(500)
	require.NoError(t, err)
	assert.NotZero(t, res.OrderID)
	assert.Equal(t, uint64(500), res.Filled.Uint64())

	swaps := f.events.OfType(audit.AgentSwapExecuted)
	require.Len(t, swaps, 1)
	e := swaps[0]
	assert.Equal(t, alice, e.Principal)
	assert.Equal(t, strategy, e.StrategyID)
	require.NotNil(t, e.Executor)
	assert.Equal(t, bob, *e.Executor)
	assert.Equal(t, []domain.Address{weth, usdc}, e.Assets)
	assert.Equal(t, "3.0000", policy.FormatHealthFactor(e.HealthFactor))
	assert.Equal(t, f.now, e.Timestamp)

	// Funds move on alice's account only.
	assert.Equal(t, uint64(3450), f.ledger.Position(alice, weth).Free.Uint64())
	assert.Equal(t, uint64(4100), f.ledger.Position(alice, usdc).Free.Uint64())
	assert.True(t, f.ledger.Position(bob, weth).Free.IsZero())

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Actions.WithLabelValues(ActionMarketOrder, OutcomeOK)))
	assert.Equal(t, 1, f.outbox.Pending())
}

func TestOrderAboveMaxSizeHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.router.AuthorizeFromTemplate(ctx, alice, strategy, policy.TemplateConservative, domain.Customization{}))

	_, err := f.buy(1500)
	assert.ErrorIs(t, err, domain.ErrOrderSizeOutOfRange)

	assert.Equal(t, uint64(2950), f.ledger.Position(alice, weth).Free.Uint64())
	assert.Equal(t, uint64(4100), f.ledger.Position(alice, usdc).Free.Uint64())
	assert.Empty(t, f.events.OfType(audit.AgentSwapExecuted))
	assert.Zero(t, f.router.Usage().Record(strategy).LastTradeAt)
	assert.Zero(t, f.outbox.Pending())

	violations := f.events.OfType(audit.PolicyViolation)
	require.Len(t, violations, 1)
	assert.Equal(t, "ORDER_SIZE_OUT_OF_RANGE", violations[0].Reason)
	assert.Equal(t, ActionMarketOrder, violations[0].Scope)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Violations.WithLabelValues("ORDER_SIZE_OUT_OF_RANGE")))
}

func TestBorrowWithoutAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.collateralize(t)

	_, err := f.router.ExecuteBorrow(ctx, bob, alice, strategy, domain.LendingRequest{Token: usdc, Amount: *u(100)})
	assert.ErrorIs(t, err, domain.ErrStrategyNotAuthorized)
	assert.Equal(t, uint64(1000), f.ledger.Position(alice, usdc).Debt.Uint64())
	assert.Equal(t, uint64(5100), f.ledger.Position(alice, usdc).Free.Uint64())
}

func TestDrawdownTripsCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.router.AuthorizeFromTemplate(ctx, alice, strategy, policy.TemplateConservative, domain.Customization{}))

	// The first trade of the day records the baseline.
	_, err := f.buy(50)
	require.NoError(t, err)
	start, ok := f.router.Breaker().StartOfDay(alice, Day(f.now))
	require.True(t, ok)
	assert.Equal(t, uint64(10_000), start.Uint64())

	// WETH drops 10%: the portfolio is worth 9400, a 6% drawdown.
	f.advance(5 * time.Minute)
	f.oracle.SetPrice(weth, price(9, 5))

	_, err = f.buy(10)
	require.ErrorIs(t, err, domain.ErrCircuitBreakerTriggered)
	var trip *Trip
	require.True(t, errors.As(err, &trip))
	assert.Equal(t, uint64(600), trip.DrawdownBps)
	assert.Equal(t, uint64(500), trip.LimitBps)

	// The triggering trade is rolled back.
	assert.Equal(t, uint64(3000), f.ledger.Position(alice, weth).Free.Uint64())
	assert.Equal(t, uint64(4000), f.ledger.Position(alice, usdc).Free.Uint64())
	vol := f.router.Usage().DailyVolume(strategy, Day(f.now))
	assert.Equal(t, uint64(50), vol.Uint64())

	// The disable is not.
	assert.False(t, f.router.Policies().IsEnabled(alice, strategy))

	trips := f.events.OfType(audit.CircuitBreakerTriggered)
	require.Len(t, trips, 1)
	require.Len(t, trips[0].Amounts, 2)
	assert.Equal(t, uint64(10_000), trips[0].Amounts[0].Uint64())
	assert.Equal(t, uint64(9_400), trips[0].Amounts[1].Uint64())
	assert.Len(t, f.events.OfType(audit.PolicyDisabled), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BreakerTrips))

	f.outbox.Flush(ctx)
	require.Len(t, f.remote.validations, 1)
	assert.Equal(t, "circuit_breaker", f.remote.validations[0].TaskType)
	assert.Equal(t, "600", f.remote.validations[0].Data["drawdown_bps"])

	f.advance(5 * time.Minute)
	_, err = f.buy(10)
	assert.ErrorIs(t, err, domain.ErrPolicyDisabled)
}

func TestFirstObservationNeverTrips(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.router.AuthorizeFromTemplate(ctx, alice, strategy, policy.TemplateConservative, domain.Customization{}))

	// Down 50% before the first trade of the day.
	f.oracle.SetPrice(weth, price(1, 5))
	_, err := f.buy(10)
	require.NoError(t, err)
	assert.True(t, f.router.Policies().IsEnabled(alice, strategy))

	// A new day starts a new baseline.
	f.advance(domain.OneDay)
	f.oracle.SetPrice(weth, price(1, 10))
	_, err = f.buy(10)
	require.NoError(t, err)

	start, ok := f.router.Breaker().StartOfDay(alice, Day(f.now))
	require.True(t, ok)
	assert.Equal(t, uint64(4394), start.Uint64())
}

func TestBreakerBaselineSurvivesReenable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.router.AuthorizeFromTemplate(ctx, alice, strategy, policy.TemplateConservative, domain.Customization{}))

	_, err := f.buy(50)
	require.NoError(t, err)
	f.advance(5 * time.Minute)
	f.oracle.SetPrice(weth, price(9, 5))
	_, err = f.buy(10)
	require.ErrorIs(t, err, domain.ErrCircuitBreakerTriggered)

	require.NoError(t, f.router.EnablePolicy(ctx, alice, strategy))
	f.advance(5 * time.Minute)
	_, err = f.buy(10)
	assert.ErrorIs(t, err, domain.ErrCircuitBreakerTriggered)
}

func TestOtherPrincipalIsIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.ledger.Deposit(ctx, carol, usdc, u(10_000)))
	require.NoError(t, f.router.Authorize(ctx, alice, strategy, openPolicy()))

	_, err := f.router.ExecuteMarketOrder(ctx, bob, carol, strategy, domain.MarketOrderRequest{
		Pool: pool, Side: domain.SideBuy, Quantity: *u(10),
	})
	assert.ErrorIs(t, err, domain.ErrStrategyNotAuthorized)

	_, err = f.router.ExecuteBorrow(ctx, bob, carol, strategy, domain.LendingRequest{Token: usdc, Amount: *u(1)})
	assert.ErrorIs(t, err, domain.ErrStrategyNotAuthorized)

	assert.Equal(t, uint64(10_000), f.ledger.Position(carol, usdc).Free.Uint64())
	assert.True(t, f.ledger.Position(carol, weth).Free.IsZero())
}

func TestOrderSizeBounds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := openPolicy()
	p.MinOrderSize = *u(10)
	require.NoError(t, f.router.Authorize(ctx, alice, strategy, p))

	tests := []struct {
		qty uint64
		ok  bool
	}{
		{9, false},
		{10, true},
		{1000, true},
		{1001, false},
	}
	for _, tt := range tests {
		_, err := f.buy(tt.qty)
		if tt.ok {
			assert.NoError(t, err, "qty %d", tt.qty)
		} else {
			assert.ErrorIs(t, err, domain.ErrOrderSizeOutOfRange, "qty %d", tt.qty)
		}
	}
}

func TestOrderPredicates(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(p *domain.Policy)
		req    domain.MarketOrderRequest
		want   error
	}{
		{
			name:   "blacklisted base",
			mutate: func(p *domain.Policy) { p.BlacklistedTokens = []domain.Address{weth} },
			req:    domain.MarketOrderRequest{Pool: pool, Side: domain.SideBuy, Quantity: *u(1)},
			want:   domain.ErrTokenNotAllowed,
		},
		{
			name:   "quote outside whitelist",
			mutate: func(p *domain.Policy) { p.WhitelistedTokens = []domain.Address{weth} },
			req:    domain.MarketOrderRequest{Pool: pool, Side: domain.SideBuy, Quantity: *u(1)},
			want:   domain.ErrTokenNotAllowed,
		},
		{
			name:   "swap flag off",
			mutate: func(p *domain.Policy) { p.Permissions.AllowSwap = false },
			req:    domain.MarketOrderRequest{Pool: pool, Side: domain.SideBuy, Quantity: *u(1)},
			want:   domain.ErrOperationNotPermitted,
		},
		{
			name:   "sell not permitted",
			mutate: func(p *domain.Policy) { p.Permissions.AllowSell = false },
			req:    domain.MarketOrderRequest{Pool: pool, Side: domain.SideSell, Quantity: *u(1)},
			want:   domain.ErrDirectionNotPermitted,
		},
		{
			name: "unknown side",
			req:  domain.MarketOrderRequest{Pool: pool, Side: "HOLD", Quantity: *u(1)},
			want: domain.ErrDirectionNotPermitted,
		},
		{
			name: "auto-borrow not permitted",
			req:  domain.MarketOrderRequest{Pool: pool, Side: domain.SideBuy, Quantity: *u(1), AutoBorrow: true},
			want: domain.ErrAutoActionNotPermitted,
		},
		{
			name: "auto-repay not permitted",
			req:  domain.MarketOrderRequest{Pool: pool, Side: domain.SideSell, Quantity: *u(1), AutoRepay: true},
			want: domain.ErrAutoActionNotPermitted,
		},
		{
			name:   "external metrics",
			mutate: func(p *domain.Policy) { p.Advanced.MaxTradesPerDay = 20 },
			req:    domain.MarketOrderRequest{Pool: pool, Side: domain.SideBuy, Quantity: *u(1)},
			want:   domain.ErrRequiresExternalMetrics,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			p := openPolicy()
			if tt.mutate != nil {
				tt.mutate(&p)
			}
			require.NoError(t, f.router.Authorize(ctx, alice, strategy, p))

			_, err := f.router.ExecuteMarketOrder(ctx, bob, alice, strategy, tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, uint64(2950), f.ledger.Position(alice, weth).Free.Uint64())
		})
	}
}

func TestHealthFactorFloorOnOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.collateralize(t)

	p := openPolicy()
	p.MinHealthFactor = healthFactor(t, "3.5")
	require.NoError(t, f.router.Authorize(ctx, alice, strategy, p))

	_, err := f.buy(10)
	assert.ErrorIs(t, err, domain.ErrHealthFactorTooLow)
}

func TestCooldown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := openPolicy()
	p.MinTimeBetweenTrades = 300
	require.NoError(t, f.router.Authorize(ctx, alice, strategy, p))

	first := f.now
	_, err := f.buy(10)
	require.NoError(t, err)

	f.advance(299 * time.Second)
	_, err = f.buy(10)
	require.ErrorIs(t, err, domain.ErrCooldownActive)
	var cd *Cooldown
	require.True(t, errors.As(err, &cd))
	assert.Equal(t, first.Add(300*time.Second), cd.Until)
	assert.True(t, domain.ErrCooldownActive.Retryable)

	f.advance(time.Second)
	_, err = f.buy(10)
	assert.NoError(t, err)

	// Non-trading actions do not reset the trade clock.
	_, err = f.router.ExecuteSupplyCollateral(ctx, bob, alice, strategy, domain.LendingRequest{Token: usdc, Amount: *u(1)})
	require.NoError(t, err)
	assert.Equal(t, f.now, f.router.Usage().Record(strategy).LastTradeAt)
}

func TestDailyVolumeLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := openPolicy()
	p.DailyVolumeLimit = *u(100)
	require.NoError(t, f.router.Authorize(ctx, alice, strategy, p))

	_, err := f.buy(60)
	require.NoError(t, err)
	_, err = f.buy(50)
	assert.ErrorIs(t, err, domain.ErrDailyVolumeExceeded)
	_, err = f.buy(40)
	require.NoError(t, err)

	vol := f.router.Usage().DailyVolume(strategy, Day(f.now))
	assert.Equal(t, uint64(100), vol.Uint64())

	f.advance(domain.OneDay)
	_, err = f.buy(50)
	assert.NoError(t, err)
}

func TestConcurrentTradesRespectDailyVolume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := openPolicy()
	p.DailyVolumeLimit = *u(100)
	require.NoError(t, f.router.Authorize(ctx, alice, strategy, p))

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.buy(10); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, uint64(3050), f.ledger.Position(alice, weth).Free.Uint64())
}

func TestLendingKeepsHealthFactorAboveFloor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.ledger.Deposit(ctx, alice, dai, u(3750)))

	p := openPolicy()
	p.MinHealthFactor = healthFactor(t, "2.0")
	require.NoError(t, f.router.Authorize(ctx, alice, strategy, p))

	lend := domain.LendingRequest{Token: dai, Amount: *u(3750)}
	_, err := f.router.ExecuteSupplyCollateral(ctx, bob, alice, strategy, lend)
	require.NoError(t, err)

	res, err := f.router.ExecuteBorrow(ctx, bob, alice, strategy, domain.LendingRequest{Token: usdc, Amount: *u(1000)})
	require.NoError(t, err)
	assert.Equal(t, "3.0000", policy.FormatHealthFactor(res.HealthFactor))

	// 1600 of debt would leave 1.875x.
	_, err = f.router.ExecuteBorrow(ctx, bob, alice, strategy, domain.LendingRequest{Token: usdc, Amount: *u(600)})
	require.ErrorIs(t, err, domain.ErrWouldBreachHealthFactor)
	assert.Equal(t, uint64(1000), f.ledger.Position(alice, usdc).Debt.Uint64())
	assert.Equal(t, uint64(5100), f.ledger.Position(alice, usdc).Free.Uint64())

	_, err = f.router.ExecuteWithdrawCollateral(ctx, bob, alice, strategy, domain.LendingRequest{Token: dai, Amount: *u(1000)})
	require.NoError(t, err)

	// 2450 of collateral would leave 1.96x.
	_, err = f.router.ExecuteWithdrawCollateral(ctx, bob, alice, strategy, domain.LendingRequest{Token: dai, Amount: *u(300)})
	require.ErrorIs(t, err, domain.ErrWouldBreachHealthFactor)
	assert.Equal(t, uint64(2750), f.ledger.Position(alice, dai).Collateral.Uint64())
	assert.Equal(t, uint64(1000), f.ledger.Position(alice, dai).Free.Uint64())

	// Raising the floor above the current 2.2x blocks the next borrow up front.
	err = f.router.Configure(ctx, alice, strategy, func(ctx context.Context, s *policy.Store) error {
		return s.UpdateBorrowingLimits(ctx, alice, strategy, domain.BorrowingLimits{MinHealthFactor: healthFactor(t, "2.5")})
	})
	require.NoError(t, err)
	_, err = f.router.ExecuteBorrow(ctx, bob, alice, strategy, domain.LendingRequest{Token: usdc, Amount: *u(1)})
	assert.ErrorIs(t, err, domain.ErrHealthFactorTooLow)

	// Repay has no health check.
	res, err = f.router.ExecuteRepay(ctx, bob, alice, strategy, domain.LendingRequest{Token: usdc, Amount: *u(1000)})
	require.NoError(t, err)
	assert.Equal(t, "inf", policy.FormatHealthFactor(res.HealthFactor))
	assert.True(t, f.ledger.Position(alice, usdc).Debt.IsZero())

	assert.Len(t, f.events.OfType(audit.AgentCollateralSupplied), 1)
	assert.Len(t, f.events.OfType(audit.AgentBorrowExecuted), 1)
	assert.Len(t, f.events.OfType(audit.AgentCollateralWithdrawn), 1)
	assert.Len(t, f.events.OfType(audit.AgentRepayExecuted), 1)
}

func TestLendingPermissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := openPolicy()
	p.Permissions.AllowBorrow = false
	p.BlacklistedTokens = []domain.Address{dai}
	require.NoError(t, f.router.Authorize(ctx, alice, strategy, p))

	_, err := f.router.ExecuteBorrow(ctx, bob, alice, strategy, domain.LendingRequest{Token: usdc, Amount: *u(1)})
	assert.ErrorIs(t, err, domain.ErrOperationNotPermitted)

	_, err = f.router.ExecuteSupplyCollateral(ctx, bob, alice, strategy, domain.LendingRequest{Token: dai, Amount: *u(1)})
	assert.ErrorIs(t, err, domain.ErrTokenNotAllowed)

	// Venue failures pass through unchanged and are not violations.
	_, err = f.router.ExecuteRepay(ctx, bob, alice, strategy, domain.LendingRequest{Token: usdc, Amount: *u(1)})
	assert.ErrorIs(t, err, venue.ErrNoDebt)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Actions.WithLabelValues(string(domain.ActionRepay), OutcomeFailed)))
}

func TestLimitOrderAndCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.router.Authorize(ctx, alice, strategy, openPolicy()))

	res, err := f.router.ExecuteLimitOrder(ctx, bob, alice, strategy, domain.LimitOrderRequest{
		Pool: pool, Side: domain.SideBuy, Price: *price(19, 10), Quantity: *u(100),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(190), f.ledger.Position(alice, usdc).Locked.Uint64())

	placed := f.events.OfType(audit.AgentLimitOrderPlaced)
	require.Len(t, placed, 1)
	assert.Equal(t, res.OrderID, placed[0].OrderID)

	cancel := domain.CancelOrderRequest{Pool: pool, OrderID: res.OrderID}
	_, err = f.router.ExecuteCancelOrder(ctx, bob, alice, strategy, cancel)
	require.NoError(t, err)
	assert.True(t, f.ledger.Position(alice, usdc).Locked.IsZero())
	assert.Equal(t, uint64(4100), f.ledger.Position(alice, usdc).Free.Uint64())
	assert.Len(t, f.events.OfType(audit.AgentOrderCancelled), 1)

	_, err = f.router.ExecuteCancelOrder(ctx, bob, alice, strategy, cancel)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestLimitOrderFlags(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := openPolicy()
	p.Permissions.AllowPlaceLimitOrder = false
	p.Permissions.AllowCancelOrder = false
	require.NoError(t, f.router.Authorize(ctx, alice, strategy, p))

	_, err := f.router.ExecuteLimitOrder(ctx, bob, alice, strategy, domain.LimitOrderRequest{
		Pool: pool, Side: domain.SideBuy, Price: *price(2, 1), Quantity: *u(1),
	})
	assert.ErrorIs(t, err, domain.ErrOperationNotPermitted)

	_, err = f.router.ExecuteCancelOrder(ctx, bob, alice, strategy, domain.CancelOrderRequest{Pool: pool, OrderID: 1})
	assert.ErrorIs(t, err, domain.ErrOperationNotPermitted)
}

func TestControllerResolution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.router.Authorize(ctx, alice, strategy, openPolicy()))

	_, err := f.router.ExecuteMarketOrder(ctx, carol, alice, strategy, domain.MarketOrderRequest{Pool: pool, Side: domain.SideBuy, Quantity: *u(1)})
	assert.ErrorIs(t, err, domain.ErrNotStrategyController)

	require.NoError(t, f.registry.SetAgentWallet(strategy, dave))
	_, err = f.router.ExecuteMarketOrder(ctx, dave, alice, strategy, domain.MarketOrderRequest{Pool: pool, Side: domain.SideBuy, Quantity: *u(1)})
	require.NoError(t, err)
	swaps := f.events.OfType(audit.AgentSwapExecuted)
	require.Len(t, swaps, 1)
	assert.Equal(t, dave, *swaps[0].Executor)

	// Control follows the identity registry without touching the grant.
	require.NoError(t, f.registry.Transfer(strategy, carol))
	_, err = f.buy(1)
	assert.ErrorIs(t, err, domain.ErrNotStrategyController)
	_, err = f.router.ExecuteMarketOrder(ctx, carol, alice, strategy, domain.MarketOrderRequest{Pool: pool, Side: domain.SideBuy, Quantity: *u(1)})
	assert.NoError(t, err)

	_, err = f.router.ExecuteMarketOrder(ctx, bob, alice, 42, domain.MarketOrderRequest{Pool: pool, Side: domain.SideBuy, Quantity: *u(1)})
	assert.ErrorIs(t, err, domain.ErrUnknownStrategy)
}

func TestAuthorizeAndRevoke(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.router.Authorize(ctx, alice, strategy, openPolicy()))
	assert.Len(t, f.events.OfType(audit.StrategyAuthorized), 1)

	err := f.router.Authorize(ctx, alice, strategy, openPolicy())
	assert.ErrorIs(t, err, domain.ErrPolicyAlreadyInstalled)
	assert.Len(t, f.events.OfType(audit.StrategyAuthorized), 1)

	require.NoError(t, f.router.Revoke(ctx, alice, strategy))
	assert.Len(t, f.events.OfType(audit.StrategyRevoked), 1)
	assert.Len(t, f.events.OfType(audit.PolicyUninstalled), 1)
	_, err = f.router.Policies().Get(alice, strategy)
	assert.ErrorIs(t, err, domain.ErrPolicyNotInstalled)

	_, err = f.buy(1)
	assert.ErrorIs(t, err, domain.ErrStrategyNotAuthorized)

	err = f.router.Revoke(ctx, alice, strategy)
	assert.ErrorIs(t, err, domain.ErrStrategyNotAuthorized)

	// A fresh grant with a different policy is clean.
	p := openPolicy()
	p.MaxOrderSize = *u(5)
	require.NoError(t, f.router.Authorize(ctx, alice, strategy, p))
	_, err = f.buy(6)
	assert.ErrorIs(t, err, domain.ErrOrderSizeOutOfRange)
}

func TestUnknownTemplateLeavesNoGrant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.router.AuthorizeFromTemplate(ctx, alice, strategy, "yolo", domain.Customization{})
	assert.ErrorIs(t, err, domain.ErrUnknownTemplate)
	assert.False(t, f.router.Grants().IsAuthorized(domain.PolicyKey{Principal: alice, StrategyID: strategy}))
	assert.Empty(t, f.events.Events())
}

func TestDisableEnableAndExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := openPolicy()
	p.ExpiresAt = f.now.Add(time.Hour)
	require.NoError(t, f.router.Authorize(ctx, alice, strategy, p))

	require.NoError(t, f.router.DisablePolicy(ctx, alice, strategy))
	_, err := f.buy(1)
	assert.ErrorIs(t, err, domain.ErrPolicyDisabled)
	assert.ErrorIs(t, f.router.DisablePolicy(ctx, alice, strategy), domain.ErrAlreadyDisabled)

	require.NoError(t, f.router.EnablePolicy(ctx, alice, strategy))
	_, err = f.buy(1)
	require.NoError(t, err)

	f.advance(time.Hour)
	_, err = f.buy(1)
	assert.ErrorIs(t, err, domain.ErrPolicyExpired)
}

func TestFeedbackIsBestEffort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.remote.fail = errors.New("registry unavailable")
	require.NoError(t, f.router.Authorize(ctx, alice, strategy, openPolicy()))

	_, err := f.buy(10)
	require.NoError(t, err)
	assert.Equal(t, 0, f.outbox.Flush(ctx))
	assert.Equal(t, 1, f.outbox.Pending())

	f.remote.fail = nil
	assert.Equal(t, 1, f.outbox.Flush(ctx))
	require.Len(t, f.remote.feedback, 1)
	fb := f.remote.feedback[0]
	assert.Equal(t, strategy, fb.StrategyID)
	assert.Equal(t, ActionMarketOrder, fb.Type)
	assert.Equal(t, "10", fb.Data["quantity"])
}

func TestTraceIDOnEvents(t *testing.T) {
	f := newFixture(t)
	ctx := WithTraceID(context.Background(), "trace-1")
	require.NoError(t, f.router.Authorize(ctx, alice, strategy, openPolicy()))

	_, err := f.router.ExecuteMarketOrder(ctx, bob, alice, strategy, domain.MarketOrderRequest{Pool: pool, Side: domain.SideBuy, Quantity: *u(1)})
	require.NoError(t, err)
	swaps := f.events.OfType(audit.AgentSwapExecuted)
	require.Len(t, swaps, 1)
	assert.Equal(t, "trace-1", swaps[0].TraceID)
}

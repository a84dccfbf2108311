package venue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"github.com/xela07ax/spaceai-agent-router/internal/txn"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	weth  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	pool  = domain.Pool{Base: weth, Quote: usdc}
)

func u(n uint64) *uint256.Int { return uint256.NewInt(n) }

func priced(n uint64) *uint256.Int {
	var out uint256.Int
	return out.Mul(u(n), &domain.HealthFactorOne)
}

func newLedger(t *testing.T) (*Ledger, *StaticOracle) {
	t.Helper()
	oracle := NewStaticOracle(0, nil)
	oracle.SetPrice(weth, priced(2000))
	oracle.SetPrice(usdc, priced(1))

	l := NewLedger(oracle, 0)
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, alice, weth, u(10)))
	require.NoError(t, l.Deposit(ctx, alice, usdc, u(10_000)))
	return l, oracle
}

func TestMarketOrderFillsAtOraclePrice(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	id, filled, err := l.PlaceMarketOrder(ctx, MarketOrder{Pool: pool, Side: domain.SideBuy, Quantity: *u(2), Owner: alice})
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Equal(t, uint64(2), filled.Uint64())
	assert.Equal(t, uint64(12), l.Position(alice, weth).Free.Uint64())
	assert.Equal(t, uint64(6_000), l.Position(alice, usdc).Free.Uint64())

	_, _, err = l.PlaceMarketOrder(ctx, MarketOrder{Pool: pool, Side: domain.SideSell, Quantity: *u(13), Owner: alice})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, uint64(12), l.Position(alice, weth).Free.Uint64())
}

func TestAutoBorrowNeedsCollateral(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	_, _, err := l.PlaceMarketOrder(ctx, MarketOrder{Pool: pool, Side: domain.SideBuy, Quantity: *u(6), Owner: alice, AutoBorrow: true})
	assert.ErrorIs(t, err, ErrInsufficientCollateral)
	assert.Equal(t, Position{Free: *u(10_000)}, *l.Position(alice, usdc))

	require.NoError(t, l.DepositLocal(ctx, alice, weth, u(5)))
	_, _, err = l.PlaceMarketOrder(ctx, MarketOrder{Pool: pool, Side: domain.SideBuy, Quantity: *u(6), Owner: alice, AutoBorrow: true})
	require.NoError(t, err)

	p := l.Position(alice, usdc)
	assert.True(t, p.Free.IsZero())
	assert.Equal(t, uint64(2_000), p.Debt.Uint64())

	_, _, err = l.PlaceMarketOrder(ctx, MarketOrder{Pool: pool, Side: domain.SideSell, Quantity: *u(1), Owner: alice, AutoRepay: true})
	require.NoError(t, err)
	p = l.Position(alice, usdc)
	assert.True(t, p.Debt.IsZero())
	assert.True(t, p.Free.IsZero())
}

func TestLendingAndHealthFactor(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	hf, err := l.HealthFactor(ctx, alice)
	require.NoError(t, err)
	var ceiling uint256.Int
	ceiling.SetAllOne()
	assert.Equal(t, ceiling, hf, "no debt")

	require.NoError(t, l.DepositLocal(ctx, alice, weth, u(5)))
	require.NoError(t, l.BorrowForUser(ctx, alice, usdc, u(4_000)))

	hf, err = l.HealthFactor(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, *priced(2), hf)

	err = l.Withdraw(ctx, alice, weth, u(4))
	assert.ErrorIs(t, err, ErrInsufficientCollateral)
	assert.Equal(t, uint64(5), l.Position(alice, weth).Collateral.Uint64())

	require.NoError(t, l.RepayForUser(ctx, alice, usdc, u(10_000)))
	p := l.Position(alice, usdc)
	assert.True(t, p.Debt.IsZero())
	assert.Equal(t, uint64(10_000), p.Free.Uint64())

	assert.ErrorIs(t, l.RepayForUser(ctx, alice, usdc, u(1)), ErrNoDebt)
	assert.ErrorIs(t, l.DepositLocal(ctx, bob, weth, u(1)), ErrInsufficientBalance)
}

func TestLimitOrderLockAndCancel(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	id, err := l.PlaceLimitOrder(ctx, LimitOrder{Pool: pool, Side: domain.SideBuy, Price: *priced(1_500), Quantity: *u(2), TimeInForce: domain.GTC, Owner: alice})
	require.NoError(t, err)

	locked, err := l.Locked(ctx, alice, usdc)
	require.NoError(t, err)
	assert.Equal(t, uint64(3_000), locked.Uint64())
	free, _ := l.Balance(ctx, alice, usdc)
	assert.Equal(t, uint64(7_000), free.Uint64())

	err = l.CancelOrder(ctx, CancelOrder{Pool: pool, OrderID: id, Owner: bob})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	require.NoError(t, l.CancelOrder(ctx, CancelOrder{Pool: pool, OrderID: id, Owner: alice}))
	assert.Equal(t, Position{Free: *u(10_000)}, *l.Position(alice, usdc))
	assert.ErrorIs(t, l.CancelOrder(ctx, CancelOrder{Pool: pool, OrderID: id, Owner: alice}), domain.ErrOrderNotFound)
}

func TestPortfolioValue(t *testing.T) {
	ctx := context.Background()
	l, oracle := newLedger(t)

	v, err := l.PortfolioValue(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, *u(30_000), v)

	require.NoError(t, l.DepositLocal(ctx, alice, weth, u(10)))
	require.NoError(t, l.BorrowForUser(ctx, alice, usdc, u(5_000)))
	v, err = l.PortfolioValue(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, *u(30_000), v, "borrowing does not change equity")

	oracle.SetPrice(weth, priced(1_000))
	v, err = l.PortfolioValue(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, *u(20_000), v)

	v, err = l.PortfolioValue(ctx, bob)
	require.NoError(t, err)
	assert.True(t, v.IsZero())
}

func TestStalePrice(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	oracle := NewStaticOracle(time.Minute, func() time.Time { return now })
	oracle.SetPrice(weth, priced(2000))

	_, err := oracle.Price(context.Background(), weth)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = oracle.Price(context.Background(), weth)
	assert.ErrorIs(t, err, domain.ErrStalePrice)

	_, err = oracle.Price(context.Background(), usdc)
	assert.ErrorIs(t, err, ErrNoPrice)

	l := NewLedger(oracle, 0)
	require.NoError(t, l.Deposit(context.Background(), alice, weth, u(1)))
	_, err = l.PortfolioValue(context.Background(), alice)
	assert.ErrorIs(t, err, domain.ErrStalePrice)
}

func TestLedgerRollback(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	boom := errors.New("post-check failed")
	err := txn.Run(ctx, func(ctx context.Context) error {
		require.NoError(t, l.DepositLocal(ctx, alice, weth, u(5)))
		require.NoError(t, l.BorrowForUser(ctx, alice, usdc, u(1_000)))
		_, err := l.PlaceLimitOrder(ctx, LimitOrder{Pool: pool, Side: domain.SideSell, Price: *priced(2_500), Quantity: *u(1), Owner: alice})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, Position{Free: *u(10)}, *l.Position(alice, weth))
	assert.Equal(t, Position{Free: *u(10_000)}, *l.Position(alice, usdc))
	assert.Empty(t, l.orders)
}

func TestParsePrice(t *testing.T) {
	got, err := ParsePrice("2450.5")
	require.NoError(t, err)
	want := priced(24505)
	want.Div(want, u(10))
	assert.Equal(t, *want, got)

	one, err := ParsePrice("1")
	require.NoError(t, err)
	assert.Equal(t, domain.HealthFactorOne, one)

	for _, bad := range []string{"", "abc", "0", "-3"} {
		_, err := ParsePrice(bad)
		assert.Error(t, err, bad)
	}
}

func TestAutoBorrowCap(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	require.NoError(t, l.DepositLocal(ctx, alice, weth, u(5)))

	// Buying 6 WETH at 2000 needs 12_000 USDC against 10_000 free.
	order := MarketOrder{Pool: pool, Side: domain.SideBuy, Quantity: *u(6), Owner: alice, AutoBorrow: true, MaxAutoBorrow: *u(1_999)}
	_, _, err := l.PlaceMarketOrder(ctx, order)
	require.ErrorIs(t, err, domain.ErrAutoBorrowLimitExceeded)
	assert.Equal(t, Position{Free: *u(10_000)}, *l.Position(alice, usdc))
	assert.Equal(t, Position{Free: *u(5), Collateral: *u(5)}, *l.Position(alice, weth))

	order.MaxAutoBorrow = *u(2_000)
	_, _, err = l.PlaceMarketOrder(ctx, order)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000), l.Position(alice, usdc).Debt.Uint64())
}

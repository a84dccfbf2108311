package venue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"github.com/xela07ax/spaceai-agent-router/internal/txn"
)

// DefaultLiquidationThresholdBps weighs collateral in the health factor.
const DefaultLiquidationThresholdBps = 8_000

var errValuationOverflow = errors.New("valuation overflow")

// Position is one user's holding of one token.
type Position struct {
	Free       uint256.Int `json:"free"`
	Locked     uint256.Int `json:"locked"`
	Collateral uint256.Int `json:"collateral"`
	Debt       uint256.Int `json:"debt"`
}

type restingOrder struct {
	owner  domain.Address
	pool   domain.Pool
	side   domain.Side
	token  domain.Address
	locked uint256.Int
}

// Ledger is the reference venue: a custody ledger with a lending book and an
// order book that fills market orders at the oracle price and rests limit
// orders until they are cancelled. Matching of resting orders is left to a
// real venue.
//
// Every mutation is journaled into the caller's unit of work.
type Ledger struct {
	mu        sync.Mutex
	positions map[domain.Address]map[domain.Address]*Position
	orders    map[domain.OrderID]*restingOrder
	nextID    domain.OrderID

	oracle PriceOracle
	ltBps  uint64
}

func NewLedger(oracle PriceOracle, liquidationThresholdBps uint64) *Ledger {
	if liquidationThresholdBps == 0 {
		liquidationThresholdBps = DefaultLiquidationThresholdBps
	}
	return &Ledger{
		positions: make(map[domain.Address]map[domain.Address]*Position),
		orders:    make(map[domain.OrderID]*restingOrder),
		oracle:    oracle,
		ltBps:     liquidationThresholdBps,
	}
}

// change collects the undo steps of one ledger operation. A failed operation
// reverts locally; a successful one hands its steps to the unit of work.
type change struct {
	l    *Ledger
	undo []func()
}

func (l *Ledger) begin() *change { return &change{l: l} }

func (c *change) touch(user, token domain.Address) *Position {
	p := c.l.position(user, token)
	old := *p
	c.undo = append(c.undo, func() { *p = old })
	return p
}

func (c *change) revert() {
	for i := len(c.undo) - 1; i >= 0; i-- {
		c.undo[i]()
	}
	c.undo = nil
}

func (c *change) commit(ctx context.Context) {
	undo := c.undo
	l := c.l
	txn.OnRollback(ctx, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	})
}

func (l *Ledger) position(user, token domain.Address) *Position {
	byToken, ok := l.positions[user]
	if !ok {
		byToken = make(map[domain.Address]*Position)
		l.positions[user] = byToken
	}
	p, ok := byToken[token]
	if !ok {
		p = &Position{}
		byToken[token] = p
	}
	return p
}

// Deposit credits free balance. Used to fund accounts.
func (l *Ledger) Deposit(ctx context.Context, user, token domain.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.begin()
	p := c.touch(user, token)
	p.Free.Add(&p.Free, amount)
	c.commit(ctx)
	return nil
}

// Position returns a copy of user's holding of token.
func (l *Ledger) Position(user, token domain.Address) *Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	if byToken, ok := l.positions[user]; ok {
		if p, ok := byToken[token]; ok {
			snapshot := *p
			return &snapshot
		}
	}
	return &Position{}
}

func (l *Ledger) PlaceMarketOrder(ctx context.Context, o MarketOrder) (domain.OrderID, uint256.Int, error) {
	if o.Quantity.IsZero() {
		return 0, uint256.Int{}, ErrZeroAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	price, err := l.crossPrice(ctx, o.Pool)
	if err != nil {
		return 0, uint256.Int{}, err
	}
	notional, err := mulDiv(&o.Quantity, &price, &domain.HealthFactorOne)
	if err != nil {
		return 0, uint256.Int{}, err
	}

	spendToken, spend, recvToken, recv := o.Pool.Quote, notional, o.Pool.Base, o.Quantity
	if o.Side == domain.SideSell {
		spendToken, spend, recvToken, recv = o.Pool.Base, o.Quantity, o.Pool.Quote, notional
	}

	c := l.begin()
	if err := l.debit(ctx, c, o.Owner, spendToken, &spend, o.AutoBorrow, &o.MaxAutoBorrow); err != nil {
		c.revert()
		return 0, uint256.Int{}, err
	}
	l.credit(c, o.Owner, recvToken, &recv, o.AutoRepay)

	id := l.newOrderID()
	c.commit(ctx)
	return id, o.Quantity, nil
}

func (l *Ledger) PlaceLimitOrder(ctx context.Context, o LimitOrder) (domain.OrderID, error) {
	if o.Quantity.IsZero() || o.Price.IsZero() {
		return 0, ErrZeroAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	token, amount := o.Pool.Base, o.Quantity
	if o.Side == domain.SideBuy {
		notional, err := mulDiv(&o.Quantity, &o.Price, &domain.HealthFactorOne)
		if err != nil {
			return 0, err
		}
		token, amount = o.Pool.Quote, notional
	}

	c := l.begin()
	if err := l.debit(ctx, c, o.Owner, token, &amount, o.AutoBorrow, &o.MaxAutoBorrow); err != nil {
		c.revert()
		return 0, err
	}
	p := c.touch(o.Owner, token)
	p.Locked.Add(&p.Locked, &amount)

	id := l.newOrderID()
	l.orders[id] = &restingOrder{owner: o.Owner, pool: o.Pool, side: o.Side, token: token, locked: amount}
	c.undo = append(c.undo, func() { delete(l.orders, id) })

	c.commit(ctx)
	return id, nil
}

func (l *Ledger) CancelOrder(ctx context.Context, co CancelOrder) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[co.OrderID]
	if !ok || o.owner != co.Owner || o.pool != co.Pool {
		return domain.ErrOrderNotFound.Withf("order %d", co.OrderID)
	}

	c := l.begin()
	p := c.touch(o.owner, o.token)
	p.Locked.Sub(&p.Locked, &o.locked)
	p.Free.Add(&p.Free, &o.locked)
	delete(l.orders, co.OrderID)
	c.undo = append(c.undo, func() { l.orders[co.OrderID] = o })

	c.commit(ctx)
	return nil
}

func (l *Ledger) BorrowForUser(ctx context.Context, user, token domain.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.begin()
	p := c.touch(user, token)
	p.Debt.Add(&p.Debt, amount)
	p.Free.Add(&p.Free, amount)
	if err := l.requireSolvent(ctx, user); err != nil {
		c.revert()
		return err
	}
	c.commit(ctx)
	return nil
}

// RepayForUser repays up to amount, capped at the outstanding debt.
func (l *Ledger) RepayForUser(ctx context.Context, user, token domain.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.position(user, token)
	if p.Debt.IsZero() {
		return fmt.Errorf("%w in %s", ErrNoDebt, token.Hex())
	}
	repay := *amount
	if repay.Gt(&p.Debt) {
		repay = p.Debt
	}
	if p.Free.Lt(&repay) {
		return fmt.Errorf("%w: repay %s, free %s", ErrInsufficientBalance, repay.Dec(), p.Free.Dec())
	}

	c := l.begin()
	p = c.touch(user, token)
	p.Free.Sub(&p.Free, &repay)
	p.Debt.Sub(&p.Debt, &repay)
	c.commit(ctx)
	return nil
}

func (l *Ledger) DepositLocal(ctx context.Context, user, token domain.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.position(user, token)
	if p.Free.Lt(amount) {
		return fmt.Errorf("%w: supply %s, free %s", ErrInsufficientBalance, amount.Dec(), p.Free.Dec())
	}

	c := l.begin()
	p = c.touch(user, token)
	p.Free.Sub(&p.Free, amount)
	p.Collateral.Add(&p.Collateral, amount)
	c.commit(ctx)
	return nil
}

func (l *Ledger) Withdraw(ctx context.Context, user, token domain.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.position(user, token)
	if p.Collateral.Lt(amount) {
		return fmt.Errorf("%w: withdraw %s, collateral %s", ErrInsufficientCollateral, amount.Dec(), p.Collateral.Dec())
	}

	c := l.begin()
	p = c.touch(user, token)
	p.Collateral.Sub(&p.Collateral, amount)
	p.Free.Add(&p.Free, amount)
	if err := l.requireSolvent(ctx, user); err != nil {
		c.revert()
		return err
	}
	c.commit(ctx)
	return nil
}

func (l *Ledger) Balance(_ context.Context, user, token domain.Address) (uint256.Int, error) {
	return l.Position(user, token).Free, nil
}

func (l *Ledger) Locked(_ context.Context, user, token domain.Address) (uint256.Int, error) {
	return l.Position(user, token).Locked, nil
}

func (l *Ledger) HealthFactor(ctx context.Context, user domain.Address) (uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.healthFactor(ctx, user)
}

// PortfolioValue is the net oracle-priced equity of user: free, locked and
// collateral balances minus debt, floored at zero.
func (l *Ledger) PortfolioValue(ctx context.Context, user domain.Address) (uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var assets, debts uint256.Int
	for token, p := range l.positions[user] {
		var held uint256.Int
		held.Add(&p.Free, &p.Locked)
		held.Add(&held, &p.Collateral)
		if held.IsZero() && p.Debt.IsZero() {
			continue
		}
		price, err := l.oracle.Price(ctx, token)
		if err != nil {
			return uint256.Int{}, err
		}
		v, err := mulDiv(&held, &price, &domain.HealthFactorOne)
		if err != nil {
			return uint256.Int{}, err
		}
		d, err := mulDiv(&p.Debt, &price, &domain.HealthFactorOne)
		if err != nil {
			return uint256.Int{}, err
		}
		assets.Add(&assets, &v)
		debts.Add(&debts, &d)
	}
	if !assets.Gt(&debts) {
		return uint256.Int{}, nil
	}
	var net uint256.Int
	net.Sub(&assets, &debts)
	return net, nil
}

func (l *Ledger) healthFactor(ctx context.Context, user domain.Address) (uint256.Int, error) {
	var collateral, debt uint256.Int
	for token, p := range l.positions[user] {
		if p.Collateral.IsZero() && p.Debt.IsZero() {
			continue
		}
		price, err := l.oracle.Price(ctx, token)
		if err != nil {
			return uint256.Int{}, err
		}
		cv, err := mulDiv(&p.Collateral, &price, &domain.HealthFactorOne)
		if err != nil {
			return uint256.Int{}, err
		}
		dv, err := mulDiv(&p.Debt, &price, &domain.HealthFactorOne)
		if err != nil {
			return uint256.Int{}, err
		}
		collateral.Add(&collateral, &cv)
		debt.Add(&debt, &dv)
	}

	var ceiling uint256.Int
	ceiling.SetAllOne()
	if debt.IsZero() {
		return ceiling, nil
	}
	weighted, err := mulDiv(&collateral, uint256.NewInt(l.ltBps), uint256.NewInt(domain.BpsDenominator))
	if err != nil {
		return ceiling, nil
	}
	hf, err := mulDiv(&weighted, &domain.HealthFactorOne, &debt)
	if err != nil {
		return ceiling, nil
	}
	return hf, nil
}

func (l *Ledger) requireSolvent(ctx context.Context, user domain.Address) error {
	hf, err := l.healthFactor(ctx, user)
	if err != nil {
		return err
	}
	if hf.Lt(&domain.HealthFactorOne) {
		return fmt.Errorf("%w: health factor %s below 1.0x", ErrInsufficientCollateral, hf.Dec())
	}
	return nil
}

// debit takes amount from free balance, borrowing the shortfall when allowed
// and within maxBorrow (zero: no cap).
func (l *Ledger) debit(ctx context.Context, c *change, user, token domain.Address, amount *uint256.Int, autoBorrow bool, maxBorrow *uint256.Int) error {
	p := c.touch(user, token)
	if p.Free.Lt(amount) {
		if !autoBorrow {
			return fmt.Errorf("%w: need %s, free %s", ErrInsufficientBalance, amount.Dec(), p.Free.Dec())
		}
		var shortfall uint256.Int
		shortfall.Sub(amount, &p.Free)
		if !maxBorrow.IsZero() && shortfall.Gt(maxBorrow) {
			return domain.ErrAutoBorrowLimitExceeded.Withf("shortfall %s above cap %s", shortfall.Dec(), maxBorrow.Dec())
		}
		p.Debt.Add(&p.Debt, &shortfall)
		p.Free.Add(&p.Free, &shortfall)
		if err := l.requireSolvent(ctx, user); err != nil {
			return err
		}
	}
	p.Free.Sub(&p.Free, amount)
	return nil
}

// credit adds amount to free balance; with autoRepay the proceeds first pay
// down debt in the same token.
func (l *Ledger) credit(c *change, user, token domain.Address, amount *uint256.Int, autoRepay bool) {
	p := c.touch(user, token)
	p.Free.Add(&p.Free, amount)
	if !autoRepay || p.Debt.IsZero() {
		return
	}
	repay := *amount
	if repay.Gt(&p.Debt) {
		repay = p.Debt
	}
	p.Debt.Sub(&p.Debt, &repay)
	p.Free.Sub(&p.Free, &repay)
}

// crossPrice is quote per base, 1e18-scaled.
func (l *Ledger) crossPrice(ctx context.Context, pool domain.Pool) (uint256.Int, error) {
	base, err := l.oracle.Price(ctx, pool.Base)
	if err != nil {
		return uint256.Int{}, err
	}
	quote, err := l.oracle.Price(ctx, pool.Quote)
	if err != nil {
		return uint256.Int{}, err
	}
	if quote.IsZero() {
		return uint256.Int{}, fmt.Errorf("%w: zero price for %s", ErrNoPrice, pool.Quote.Hex())
	}
	return mulDiv(&base, &domain.HealthFactorOne, &quote)
}

func (l *Ledger) newOrderID() domain.OrderID {
	l.nextID++
	return l.nextID
}

func mulDiv(x, y, d *uint256.Int) (uint256.Int, error) {
	var out uint256.Int
	if _, overflow := out.MulDivOverflow(x, y, d); overflow {
		return uint256.Int{}, errValuationOverflow
	}
	return out, nil
}

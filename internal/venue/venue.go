// Package venue defines the execution capabilities the router calls into and
// ships an in-process reference implementation of them.
package venue

import (
	"context"
	"errors"

	"github.com/holiman/uint256"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
)

var (
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrNoDebt                 = errors.New("no debt to repay")
	ErrNoPrice                = errors.New("no oracle price")
	ErrZeroAmount             = errors.New("amount must be positive")
)

// MarketOrder is placed for Owner; Executor and StrategyID are attribution only.
type MarketOrder struct {
	Pool       domain.Pool
	Side       domain.Side
	Quantity   uint256.Int
	Owner      domain.Address
	AutoRepay  bool
	AutoBorrow bool

	// MaxAutoBorrow caps the shortfall AutoBorrow may cover, in the spent
	// token. Zero means no cap.
	MaxAutoBorrow uint256.Int
	StrategyID    domain.StrategyID
	Executor      domain.Address
}

type LimitOrder struct {
	Pool        domain.Pool
	Side        domain.Side
	Price       uint256.Int
	Quantity    uint256.Int
	TimeInForce domain.TimeInForce
	Owner       domain.Address
	AutoRepay   bool
	AutoBorrow  bool

	// Same as MarketOrder.MaxAutoBorrow.
	MaxAutoBorrow uint256.Int
	StrategyID    domain.StrategyID
	Executor      domain.Address
}

type CancelOrder struct {
	Pool       domain.Pool
	OrderID    domain.OrderID
	Owner      domain.Address
	StrategyID domain.StrategyID
	Executor   domain.Address
}

type OrderBook interface {
	PlaceMarketOrder(ctx context.Context, o MarketOrder) (domain.OrderID, uint256.Int, error)
	PlaceLimitOrder(ctx context.Context, o LimitOrder) (domain.OrderID, error)
	CancelOrder(ctx context.Context, c CancelOrder) error
}

// BalanceManager moves the principal's funds. DepositLocal moves free balance
// into collateral; Withdraw moves collateral back.
type BalanceManager interface {
	BorrowForUser(ctx context.Context, user, token domain.Address, amount *uint256.Int) error
	RepayForUser(ctx context.Context, user, token domain.Address, amount *uint256.Int) error
	DepositLocal(ctx context.Context, user, token domain.Address, amount *uint256.Int) error
	Withdraw(ctx context.Context, user, token domain.Address, amount *uint256.Int) error
	Balance(ctx context.Context, user, token domain.Address) (uint256.Int, error)
	Locked(ctx context.Context, user, token domain.Address) (uint256.Int, error)
}

type LendingManager interface {
	// HealthFactor is 1e18-scaled; max uint256 when the user has no debt.
	HealthFactor(ctx context.Context, user domain.Address) (uint256.Int, error)
}

// Valuer marks a user's holdings to market.
type Valuer interface {
	PortfolioValue(ctx context.Context, user domain.Address) (uint256.Int, error)
}

// PriceOracle quotes a token in the common unit of account, 1e18-scaled.
type PriceOracle interface {
	Price(ctx context.Context, token domain.Address) (uint256.Int, error)
}

// Venue bundles the capabilities the router needs.
type Venue interface {
	OrderBook
	BalanceManager
	LendingManager
	Valuer
}

package domain

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(s)) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("unknown order side %q", s)
}

// TimeInForce of a limit order.
type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
	PO  TimeInForce = "PO"
)

// OrderID is assigned by the order book.
type OrderID uint64

// Pool is a traded pair. Quantities are expressed in the base token.
type Pool struct {
	Base  Address `json:"base"`
	Quote Address `json:"quote"`
}

type MarketOrderRequest struct {
	Pool       Pool        `json:"pool"`
	Side       Side        `json:"side"`
	Quantity   uint256.Int `json:"quantity"`
	AutoRepay  bool        `json:"auto_repay"`
	AutoBorrow bool        `json:"auto_borrow"`
}

type LimitOrderRequest struct {
	Pool        Pool        `json:"pool"`
	Side        Side        `json:"side"`
	Price       uint256.Int `json:"price"` // quote per base, 1e18-scaled
	Quantity    uint256.Int `json:"quantity"`
	TimeInForce TimeInForce `json:"time_in_force"`
	AutoRepay   bool        `json:"auto_repay"`
	AutoBorrow  bool        `json:"auto_borrow"`
}

type CancelOrderRequest struct {
	Pool    Pool    `json:"pool"`
	OrderID OrderID `json:"order_id"`
}

// LendingAction names the four lending operations.
type LendingAction string

const (
	ActionBorrow             LendingAction = "borrow"
	ActionRepay              LendingAction = "repay"
	ActionSupplyCollateral   LendingAction = "supply_collateral"
	ActionWithdrawCollateral LendingAction = "withdraw_collateral"
)

type LendingRequest struct {
	Token  Address     `json:"token"`
	Amount uint256.Int `json:"amount"`
}

// ExecutionResult is what the router returns for a successful action.
type ExecutionResult struct {
	OrderID      OrderID      `json:"order_id,omitempty"`
	Filled       *uint256.Int `json:"filled,omitempty"`
	HealthFactor *uint256.Int `json:"health_factor,omitempty"`
}

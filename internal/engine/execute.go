package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/holiman/uint256"
	"github.com/xela07ax/spaceai-agent-router/internal/audit"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"github.com/xela07ax/spaceai-agent-router/internal/policy"
	"github.com/xela07ax/spaceai-agent-router/internal/txn"
	"github.com/xela07ax/spaceai-agent-router/internal/venue"
)

// Action names used in metrics, violations and feedback.
const (
	ActionMarketOrder = "market_order"
	ActionLimitOrder  = "limit_order"
	ActionCancelOrder = "cancel_order"
)

// Cooldown is the cause attached to ErrCooldownActive.
type Cooldown struct {
	Until time.Time
}

func (c *Cooldown) Error() string {
	return "next trade allowed at " + c.Until.Format(time.RFC3339)
}

type orderCheck struct {
	pool       domain.Pool
	side       domain.Side
	quantity   *uint256.Int
	autoRepay  bool
	autoBorrow bool
	limit      bool
}

// ExecuteMarketOrder swaps on the principal's account.
func (r *Router) ExecuteMarketOrder(ctx context.Context, caller, principal domain.Address, id domain.StrategyID, req domain.MarketOrderRequest) (domain.ExecutionResult, error) {
	return r.execute(ctx, ActionMarketOrder, caller, principal, id, func(ctx context.Context, p *domain.Policy, now time.Time) (domain.ExecutionResult, error) {
		check := orderCheck{
			pool:       req.Pool,
			side:       req.Side,
			quantity:   &req.Quantity,
			autoRepay:  req.AutoRepay,
			autoBorrow: req.AutoBorrow,
		}
		if err := r.checkOrder(ctx, principal, id, p, check, now); err != nil {
			return domain.ExecutionResult{}, err
		}

		orderID, filled, err := r.venue.PlaceMarketOrder(ctx, venue.MarketOrder{
			Pool:          req.Pool,
			Side:          req.Side,
			Quantity:      req.Quantity,
			Owner:         principal,
			AutoRepay:     req.AutoRepay,
			AutoBorrow:    req.AutoBorrow,
			MaxAutoBorrow: p.MaxAutoBorrowAmount,
			StrategyID:    id,
			Executor:      caller,
		})
		if err != nil {
			return domain.ExecutionResult{}, err
		}

		hf, err := r.afterTrade(ctx, principal, id, p, &req.Quantity, now)
		if err != nil {
			return domain.ExecutionResult{}, err
		}

		txn.AfterCommit(ctx, func() {
			r.emit(ctx, audit.Event{
				Type:         audit.AgentSwapExecuted,
				Principal:    principal,
				StrategyID:   id,
				Executor:     &caller,
				Assets:       []domain.Address{req.Pool.Base, req.Pool.Quote},
				Amounts:      []uint256.Int{req.Quantity, filled},
				HealthFactor: &hf,
				OrderID:      orderID,
				Side:         req.Side,
			})
			r.feedback(principal, id, ActionMarketOrder, map[string]string{
				"order_id": strconv.FormatUint(uint64(orderID), 10),
				"side":     string(req.Side),
				"quantity": req.Quantity.Dec(),
				"filled":   filled.Dec(),
			})
		})
		return domain.ExecutionResult{OrderID: orderID, Filled: &filled, HealthFactor: &hf}, nil
	})
}

// ExecuteLimitOrder rests an order owned by the principal.
func (r *Router) ExecuteLimitOrder(ctx context.Context, caller, principal domain.Address, id domain.StrategyID, req domain.LimitOrderRequest) (domain.ExecutionResult, error) {
	return r.execute(ctx, ActionLimitOrder, caller, principal, id, func(ctx context.Context, p *domain.Policy, now time.Time) (domain.ExecutionResult, error) {
		check := orderCheck{
			pool:       req.Pool,
			side:       req.Side,
			quantity:   &req.Quantity,
			autoRepay:  req.AutoRepay,
			autoBorrow: req.AutoBorrow,
			limit:      true,
		}
		if err := r.checkOrder(ctx, principal, id, p, check, now); err != nil {
			return domain.ExecutionResult{}, err
		}

		tif := req.TimeInForce
		if tif == "" {
			tif = domain.GTC
		}
		orderID, err := r.venue.PlaceLimitOrder(ctx, venue.LimitOrder{
			Pool:          req.Pool,
			Side:          req.Side,
			Price:         req.Price,
			Quantity:      req.Quantity,
			TimeInForce:   tif,
			Owner:         principal,
			AutoRepay:     req.AutoRepay,
			AutoBorrow:    req.AutoBorrow,
			MaxAutoBorrow: p.MaxAutoBorrowAmount,
			StrategyID:    id,
			Executor:      caller,
		})
		if err != nil {
			return domain.ExecutionResult{}, err
		}

		hf, err := r.afterTrade(ctx, principal, id, p, &req.Quantity, now)
		if err != nil {
			return domain.ExecutionResult{}, err
		}

		txn.AfterCommit(ctx, func() {
			r.emit(ctx, audit.Event{
				Type:         audit.AgentLimitOrderPlaced,
				Principal:    principal,
				StrategyID:   id,
				Executor:     &caller,
				Assets:       []domain.Address{req.Pool.Base, req.Pool.Quote},
				Amounts:      []uint256.Int{req.Quantity, req.Price},
				HealthFactor: &hf,
				OrderID:      orderID,
				Side:         req.Side,
			})
			r.feedback(principal, id, ActionLimitOrder, map[string]string{
				"order_id": strconv.FormatUint(uint64(orderID), 10),
				"side":     string(req.Side),
				"quantity": req.Quantity.Dec(),
				"price":    req.Price.Dec(),
			})
		})
		return domain.ExecutionResult{OrderID: orderID, HealthFactor: &hf}, nil
	})
}

// ExecuteCancelOrder needs only the cancel permission.
func (r *Router) ExecuteCancelOrder(ctx context.Context, caller, principal domain.Address, id domain.StrategyID, req domain.CancelOrderRequest) (domain.ExecutionResult, error) {
	return r.execute(ctx, ActionCancelOrder, caller, principal, id, func(ctx context.Context, p *domain.Policy, now time.Time) (domain.ExecutionResult, error) {
		if !p.Permissions.AllowCancelOrder {
			return domain.ExecutionResult{}, domain.ErrOperationNotPermitted.Withf("cancel order")
		}

		err := r.venue.CancelOrder(ctx, venue.CancelOrder{
			Pool:       req.Pool,
			OrderID:    req.OrderID,
			Owner:      principal,
			StrategyID: id,
			Executor:   caller,
		})
		if err != nil {
			return domain.ExecutionResult{}, err
		}
		r.usage.RecordAction(ctx, id, now)

		txn.AfterCommit(ctx, func() {
			r.emit(ctx, audit.Event{
				Type:       audit.AgentOrderCancelled,
				Principal:  principal,
				StrategyID: id,
				Executor:   &caller,
				Assets:     []domain.Address{req.Pool.Base, req.Pool.Quote},
				OrderID:    req.OrderID,
			})
		})
		return domain.ExecutionResult{OrderID: req.OrderID}, nil
	})
}

func (r *Router) ExecuteBorrow(ctx context.Context, caller, principal domain.Address, id domain.StrategyID, req domain.LendingRequest) (domain.ExecutionResult, error) {
	return r.lend(ctx, domain.ActionBorrow, caller, principal, id, req)
}

func (r *Router) ExecuteRepay(ctx context.Context, caller, principal domain.Address, id domain.StrategyID, req domain.LendingRequest) (domain.ExecutionResult, error) {
	return r.lend(ctx, domain.ActionRepay, caller, principal, id, req)
}

func (r *Router) ExecuteSupplyCollateral(ctx context.Context, caller, principal domain.Address, id domain.StrategyID, req domain.LendingRequest) (domain.ExecutionResult, error) {
	return r.lend(ctx, domain.ActionSupplyCollateral, caller, principal, id, req)
}

func (r *Router) ExecuteWithdrawCollateral(ctx context.Context, caller, principal domain.Address, id domain.StrategyID, req domain.LendingRequest) (domain.ExecutionResult, error) {
	return r.lend(ctx, domain.ActionWithdrawCollateral, caller, principal, id, req)
}

type lendingRule struct {
	allowed func(domain.Permissions) bool
	// Token allow-list applies to assets flowing into the position.
	checkToken bool
	// Health factor checked before and after.
	guardHealth bool
	event       audit.EventType
	call        func(v venue.BalanceManager) func(ctx context.Context, user, token domain.Address, amount *uint256.Int) error
}

var lendingRules = map[domain.LendingAction]lendingRule{
	domain.ActionBorrow: {
		allowed:     func(p domain.Permissions) bool { return p.AllowBorrow },
		checkToken:  true,
		guardHealth: true,
		event:       audit.AgentBorrowExecuted,
		call:        func(v venue.BalanceManager) func(context.Context, domain.Address, domain.Address, *uint256.Int) error { return v.BorrowForUser },
	},
	domain.ActionRepay: {
		allowed: func(p domain.Permissions) bool { return p.AllowRepay },
		event:   audit.AgentRepayExecuted,
		call:    func(v venue.BalanceManager) func(context.Context, domain.Address, domain.Address, *uint256.Int) error { return v.RepayForUser },
	},
	domain.ActionSupplyCollateral: {
		allowed:    func(p domain.Permissions) bool { return p.AllowSupplyCollateral },
		checkToken: true,
		event:      audit.AgentCollateralSupplied,
		call:       func(v venue.BalanceManager) func(context.Context, domain.Address, domain.Address, *uint256.Int) error { return v.DepositLocal },
	},
	domain.ActionWithdrawCollateral: {
		allowed:     func(p domain.Permissions) bool { return p.AllowWithdrawCollateral },
		guardHealth: true,
		event:       audit.AgentCollateralWithdrawn,
		call:        func(v venue.BalanceManager) func(context.Context, domain.Address, domain.Address, *uint256.Int) error { return v.Withdraw },
	},
}

func (r *Router) lend(ctx context.Context, action domain.LendingAction, caller, principal domain.Address, id domain.StrategyID, req domain.LendingRequest) (domain.ExecutionResult, error) {
	rule := lendingRules[action]

	return r.execute(ctx, string(action), caller, principal, id, func(ctx context.Context, p *domain.Policy, now time.Time) (domain.ExecutionResult, error) {
		if !rule.allowed(p.Permissions) {
			return domain.ExecutionResult{}, domain.ErrOperationNotPermitted.Withf("%s", action)
		}
		if rule.checkToken && !p.TokenAllowed(req.Token) {
			return domain.ExecutionResult{}, domain.ErrTokenNotAllowed.Withf("%s", req.Token.Hex())
		}
		if rule.guardHealth {
			if _, err := r.requireHealth(ctx, principal, p, domain.ErrHealthFactorTooLow); err != nil {
				return domain.ExecutionResult{}, err
			}
		}

		if err := rule.call(r.venue)(ctx, principal, req.Token, &req.Amount); err != nil {
			return domain.ExecutionResult{}, err
		}

		// The venue call above is undone with the unit of work if the
		// post-state breaches the floor.
		var hf uint256.Int
		var err error
		if rule.guardHealth {
			hf, err = r.requireHealth(ctx, principal, p, domain.ErrWouldBreachHealthFactor)
		} else {
			hf, err = r.venue.HealthFactor(ctx, principal)
		}
		if err != nil {
			return domain.ExecutionResult{}, err
		}
		r.usage.RecordAction(ctx, id, now)

		txn.AfterCommit(ctx, func() {
			r.emit(ctx, audit.Event{
				Type:         rule.event,
				Principal:    principal,
				StrategyID:   id,
				Executor:     &caller,
				Assets:       []domain.Address{req.Token},
				Amounts:      []uint256.Int{req.Amount},
				HealthFactor: &hf,
			})
			r.feedback(principal, id, string(action), map[string]string{
				"token":         req.Token.Hex(),
				"amount":        req.Amount.Dec(),
				"health_factor": policy.FormatHealthFactor(&hf),
			})
		})
		return domain.ExecutionResult{HealthFactor: &hf}, nil
	})
}

// checkOrder is the permission predicate shared by market and limit orders.
func (r *Router) checkOrder(ctx context.Context, principal domain.Address, id domain.StrategyID, p *domain.Policy, o orderCheck, now time.Time) error {
	if p.RequiresExternalMetrics {
		return domain.ErrRequiresExternalMetrics
	}

	if !p.SizeInRange(o.quantity) {
		return domain.ErrOrderSizeOutOfRange.Withf("quantity %s outside [%s, %s]",
			o.quantity.Dec(), p.MinOrderSize.Dec(), p.MaxOrderSize.Dec())
	}

	for _, token := range []domain.Address{o.pool.Base, o.pool.Quote} {
		if !p.TokenAllowed(token) {
			return domain.ErrTokenNotAllowed.Withf("%s", token.Hex())
		}
	}

	perms := p.Permissions
	if o.limit {
		if !perms.AllowLimitOrders || !perms.AllowPlaceLimitOrder {
			return domain.ErrOperationNotPermitted.Withf("limit orders")
		}
	} else if !perms.AllowSwap || !perms.AllowMarketOrders {
		return domain.ErrOperationNotPermitted.Withf("market orders")
	}

	switch o.side {
	case domain.SideBuy:
		if !perms.AllowBuy {
			return domain.ErrDirectionNotPermitted.Withf("buy")
		}
	case domain.SideSell:
		if !perms.AllowSell {
			return domain.ErrDirectionNotPermitted.Withf("sell")
		}
	default:
		return domain.ErrDirectionNotPermitted.Withf("unknown side %q", o.side)
	}

	if o.autoBorrow && !perms.AllowAutoBorrow {
		return domain.ErrAutoActionNotPermitted.Withf("auto-borrow")
	}
	if o.autoRepay && !perms.AllowAutoRepay {
		return domain.ErrAutoActionNotPermitted.Withf("auto-repay")
	}

	if _, err := r.requireHealth(ctx, principal, p, domain.ErrHealthFactorTooLow); err != nil {
		return err
	}

	if p.MinTimeBetweenTrades > 0 {
		last := r.usage.Record(id).LastTradeAt
		if !last.IsZero() {
			ready := last.Add(time.Duration(p.MinTimeBetweenTrades) * time.Second)
			if now.Before(ready) {
				return domain.ErrCooldownActive.Wrap(&Cooldown{Until: ready})
			}
		}
	}
	return nil
}

// afterTrade records usage and runs the breaker. It returns the post-trade
// health factor for the event.
func (r *Router) afterTrade(ctx context.Context, principal domain.Address, id domain.StrategyID, p *domain.Policy, qty *uint256.Int, now time.Time) (uint256.Int, error) {
	r.usage.RecordTrade(ctx, id, now, qty)
	if err := r.breaker.Evaluate(ctx, principal, id, p, now); err != nil {
		return uint256.Int{}, err
	}
	return r.venue.HealthFactor(ctx, principal)
}

func (r *Router) requireHealth(ctx context.Context, principal domain.Address, p *domain.Policy, sentinel *domain.Error) (uint256.Int, error) {
	hf, err := r.venue.HealthFactor(ctx, principal)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("health factor: %w", err)
	}
	if hf.Lt(&p.MinHealthFactor) {
		return hf, sentinel.Withf("health factor %s below floor %s",
			policy.FormatHealthFactor(&hf), policy.FormatHealthFactor(&p.MinHealthFactor))
	}
	return hf, nil
}

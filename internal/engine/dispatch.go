package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/xela07ax/spaceai-agent-router/internal/domain"
)

// Transport-level names of the seven execution actions.
var actionNames = []string{
	ActionMarketOrder,
	ActionLimitOrder,
	ActionCancelOrder,
	string(domain.ActionBorrow),
	string(domain.ActionRepay),
	string(domain.ActionSupplyCollateral),
	string(domain.ActionWithdrawCollateral),
}

// Actions lists the names ProcessAction accepts.
func Actions() []string {
	return append([]string(nil), actionNames...)
}

// NormalizeAction accepts "market-order" and "market_order" alike.
func NormalizeAction(action string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(action)), "-", "_")
}

// ProcessAction is the single pipeline behind the HTTP and gRPC surfaces: it
// decodes payload for action and runs the matching Execute method.
func (r *Router) ProcessAction(ctx context.Context, caller, principal domain.Address, id domain.StrategyID, action string, payload []byte) (domain.ExecutionResult, error) {
	switch name := NormalizeAction(action); name {
	case ActionMarketOrder:
		var req domain.MarketOrderRequest
		if err := decode(payload, &req); err != nil {
			return domain.ExecutionResult{}, err
		}
		return r.ExecuteMarketOrder(ctx, caller, principal, id, req)

	case ActionLimitOrder:
		var req domain.LimitOrderRequest
		if err := decode(payload, &req); err != nil {
			return domain.ExecutionResult{}, err
		}
		return r.ExecuteLimitOrder(ctx, caller, principal, id, req)

	case ActionCancelOrder:
		var req domain.CancelOrderRequest
		if err := decode(payload, &req); err != nil {
			return domain.ExecutionResult{}, err
		}
		return r.ExecuteCancelOrder(ctx, caller, principal, id, req)

	default:
		if _, ok := lendingRules[domain.LendingAction(name)]; !ok {
			return domain.ExecutionResult{}, domain.ErrUnknownAction.Withf("%q", action)
		}
		var req domain.LendingRequest
		if err := decode(payload, &req); err != nil {
			return domain.ExecutionResult{}, err
		}
		return r.lend(ctx, domain.LendingAction(name), caller, principal, id, req)
	}
}

func decode(payload []byte, dst any) error {
	if len(payload) == 0 {
		return domain.ErrInvalidRequest.Withf("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.ErrInvalidRequest.Wrap(err)
	}
	return nil
}

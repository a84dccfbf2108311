package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"github.com/xela07ax/spaceai-agent-router/internal/identity"
	"github.com/xela07ax/spaceai-agent-router/internal/infra"
	"github.com/xela07ax/spaceai-agent-router/internal/venue"
)

func hexAddress(field, s string) (domain.Address, error) {
	if !common.IsHexAddress(s) {
		return domain.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

// seedVenue loads prices and opening balances into the in-process venue.
func seedVenue(ctx context.Context, cfg infra.EngineConfig, oracle *venue.StaticOracle, ledger *venue.Ledger) error {
	for token, raw := range cfg.Prices {
		addr, err := hexAddress("engine.prices", token)
		if err != nil {
			return err
		}
		price, err := venue.ParsePrice(raw)
		if err != nil {
			return fmt.Errorf("engine.prices: %w", err)
		}
		oracle.SetPrice(addr, &price)
	}

	for i, b := range cfg.Balances {
		account, err := hexAddress(fmt.Sprintf("engine.balances[%d].account", i), b.Account)
		if err != nil {
			return err
		}
		token, err := hexAddress(fmt.Sprintf("engine.balances[%d].token", i), b.Token)
		if err != nil {
			return err
		}
		amount, err := uint256.FromDecimal(b.Amount)
		if err != nil {
			return fmt.Errorf("engine.balances[%d].amount %q: %w", i, b.Amount, err)
		}
		if err := ledger.Deposit(ctx, account, token, amount); err != nil {
			return fmt.Errorf("engine.balances[%d]: %w", i, err)
		}
	}
	return nil
}

// seedIdentity registers the configured strategies in the local registry.
func seedIdentity(strategies []infra.StrategyConfig, reg *identity.Registry) error {
	for i, s := range strategies {
		owner, err := hexAddress(fmt.Sprintf("registry.strategies[%d].owner", i), s.Owner)
		if err != nil {
			return err
		}
		id := domain.StrategyID(s.ID)
		reg.Register(id, owner)

		if s.AgentWallet == "" {
			continue
		}
		wallet, err := hexAddress(fmt.Sprintf("registry.strategies[%d].agent_wallet", i), s.AgentWallet)
		if err != nil {
			return err
		}
		if err := reg.SetAgentWallet(id, wallet); err != nil {
			return err
		}
	}
	return nil
}

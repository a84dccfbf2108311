package identity

import (
	"context"
	"sync"

	"github.com/xela07ax/spaceai-agent-router/internal/domain"
)

// Resolver maps a strategy id to the accounts that control it.
type Resolver interface {
	// OwnerOf fails with domain.ErrUnknownStrategy for ids that do not exist.
	OwnerOf(ctx context.Context, id domain.StrategyID) (domain.Address, error)
	// AgentWallet returns the optional secondary executor address.
	AgentWallet(ctx context.Context, id domain.StrategyID) (domain.Address, bool, error)
}

// IsController reports whether caller may act for the strategy: either the
// registered owner or its agent wallet.
func IsController(ctx context.Context, r Resolver, id domain.StrategyID, caller domain.Address) (bool, error) {
	owner, err := r.OwnerOf(ctx, id)
	if err != nil {
		return false, err
	}
	if owner == caller {
		return true, nil
	}
	wallet, ok, err := r.AgentWallet(ctx, id)
	if err != nil {
		return false, err
	}
	return ok && wallet == caller, nil
}

type entry struct {
	owner  domain.Address
	wallet *domain.Address
}

// Registry is the in-process identity registry used in standalone mode.
type Registry struct {
	mu      sync.RWMutex
	entries map[domain.StrategyID]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[domain.StrategyID]entry)}
}

// Register creates or replaces the record of id.
func (r *Registry) Register(id domain.StrategyID, owner domain.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = entry{owner: owner}
}

// Transfer moves control of id to a new owner and clears the agent wallet.
func (r *Registry) Transfer(id domain.StrategyID, to domain.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return domain.ErrUnknownStrategy.Withf("strategy %d", id)
	}
	r.entries[id] = entry{owner: to}
	return nil
}

func (r *Registry) SetAgentWallet(id domain.StrategyID, wallet domain.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return domain.ErrUnknownStrategy.Withf("strategy %d", id)
	}
	e.wallet = &wallet
	r.entries[id] = e
	return nil
}

func (r *Registry) OwnerOf(_ context.Context, id domain.StrategyID) (domain.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return domain.Address{}, domain.ErrUnknownStrategy.Withf("strategy %d", id)
	}
	return e.owner, nil
}

func (r *Registry) AgentWallet(_ context.Context, id domain.StrategyID) (domain.Address, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return domain.Address{}, false, domain.ErrUnknownStrategy.Withf("strategy %d", id)
	}
	if e.wallet == nil {
		return domain.Address{}, false, nil
	}
	return *e.wallet, true, nil
}

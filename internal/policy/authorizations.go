package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"github.com/xela07ax/spaceai-agent-router/internal/txn"
	"go.uber.org/zap"
)

// Authorizations is the (principal, strategy) grant relation. It is kept
// apart from the policy records; the router pairs the two.
type Authorizations struct {
	mu      sync.RWMutex
	granted map[domain.PolicyKey]struct{}
	repo    Persister
	logger  *zap.Logger
}

func NewAuthorizations(repo Persister, logger *zap.Logger) *Authorizations {
	if repo == nil {
		repo = NopPersister{}
	}
	return &Authorizations{
		granted: make(map[domain.PolicyKey]struct{}),
		repo:    repo,
		logger:  logger.Named("authorizations"),
	}
}

// Grant sets the relation. Granting twice is a no-op.
func (a *Authorizations) Grant(ctx context.Context, key domain.PolicyKey) error {
	return txn.Run(ctx, func(ctx context.Context) error {
		a.mu.Lock()
		defer a.mu.Unlock()

		if _, ok := a.granted[key]; ok {
			return nil
		}
		a.granted[key] = struct{}{}

		txn.OnRollback(ctx, func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			delete(a.granted, key)
		})
		stage(ctx, a.repo, Change{Op: OpSaveAuthorization, Key: key})
		return nil
	})
}

// Revoke clears the relation and reports whether it was set. A failed write
// to the persister leaves the relation in place.
func (a *Authorizations) Revoke(ctx context.Context, key domain.PolicyKey) (bool, error) {
	var revoked bool
	err := txn.Run(ctx, func(ctx context.Context) error {
		a.mu.Lock()
		defer a.mu.Unlock()

		if _, ok := a.granted[key]; !ok {
			return nil
		}
		delete(a.granted, key)
		revoked = true

		txn.OnRollback(ctx, func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.granted[key] = struct{}{}
		})
		stage(ctx, a.repo, Change{Op: OpDeleteAuthorization, Key: key})
		return nil
	})
	if err != nil {
		return false, err
	}
	return revoked, nil
}

func (a *Authorizations) IsAuthorized(key domain.PolicyKey) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.granted[key]
	return ok
}

// List returns the strategies principal has authorized, ascending.
func (a *Authorizations) List(principal domain.Address) []domain.StrategyID {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []domain.StrategyID
	for k := range a.granted {
		if k.Principal == principal {
			out = append(out, k.StrategyID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reload mirrors the persisted state of key, decided by another router
// instance. Reports whether memory changed.
func (a *Authorizations) Reload(ctx context.Context, key domain.PolicyKey) (bool, error) {
	granted, err := a.repo.LoadAuthorization(ctx, key)
	if err != nil {
		return false, fmt.Errorf("reload authorization: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	_, had := a.granted[key]
	switch {
	case granted && !had:
		a.granted[key] = struct{}{}
	case !granted && had:
		delete(a.granted, key)
	default:
		return false, nil
	}
	return true, nil
}

func (a *Authorizations) Load(ctx context.Context) error {
	keys, err := a.repo.LoadAuthorizations(ctx)
	if err != nil {
		return fmt.Errorf("load authorizations: %w", err)
	}
	granted := make(map[domain.PolicyKey]struct{}, len(keys))
	for _, k := range keys {
		granted[k] = struct{}{}
	}

	a.mu.Lock()
	a.granted = granted
	a.mu.Unlock()

	a.logger.Info("authorizations loaded", zap.Int("count", len(granted)))
	return nil
}

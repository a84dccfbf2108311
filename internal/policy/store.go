package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/xela07ax/spaceai-agent-router/internal/audit"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"github.com/xela07ax/spaceai-agent-router/internal/identity"
	"github.com/xela07ax/spaceai-agent-router/internal/txn"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

// Field groups named in PolicyUpdated events.
const (
	ScopeTrading     = "trading"
	ScopeBorrowing   = "borrowing"
	ScopeSafety      = "safety"
	ScopeTokens      = "tokens"
	ScopePermissions = "permissions"
	ScopeAdvanced    = "advanced"
)

// Store owns the (principal, strategy) -> Policy mapping and the per-principal
// installed lists. Reads hit memory only. Every mutation runs in a unit of
// work (its own, or the caller's) and stages its durable copy there, so a
// failed write to the persister undoes the in-memory change too.
type Store struct {
	mu        sync.RWMutex
	policies  map[domain.PolicyKey]domain.Policy
	installed map[domain.Address][]domain.StrategyID
	gateways  map[string]struct{}

	catalog  *Catalog
	resolver identity.Resolver
	repo     Persister
	emitter  audit.Emitter
	now      func() time.Time
	logger   *zap.Logger
}

type Option func(*Store)

func WithPersister(p Persister) Option { return func(s *Store) { s.repo = p } }

func WithEmitter(e audit.Emitter) Option { return func(s *Store) { s.emitter = e } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func NewStore(resolver identity.Resolver, catalog *Catalog, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		policies:  make(map[domain.PolicyKey]domain.Policy),
		installed: make(map[domain.Address][]domain.StrategyID),
		gateways:  make(map[string]struct{}),
		catalog:   catalog,
		resolver:  resolver,
		repo:      NopPersister{},
		emitter:   audit.Discard{},
		now:       time.Now,
		logger:    logger.Named("policy"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Catalog returns the template catalog the store installs from.
func (s *Store) Catalog() *Catalog { return s.catalog }

// Install validates p and stores it enabled for (principal, id).
func (s *Store) Install(ctx context.Context, principal domain.Address, id domain.StrategyID, p domain.Policy) error {
	return txn.Run(ctx, func(ctx context.Context) error {
		return s.install(ctx, principal, id, p)
	})
}

func (s *Store) install(ctx context.Context, principal domain.Address, id domain.StrategyID, p domain.Policy) error {
	if _, err := s.resolver.OwnerOf(ctx, id); err != nil {
		if errors.Is(err, domain.ErrUnknownStrategy) {
			return err
		}
		return fmt.Errorf("resolve strategy %d: %w", id, err)
	}

	key := domain.PolicyKey{Principal: principal, StrategyID: id}
	next := p.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[key]; ok {
		return domain.ErrPolicyAlreadyInstalled.Withf("principal %s strategy %d", principal.Hex(), id)
	}
	if err := next.Validate(); err != nil {
		return err
	}

	next.Enabled = true
	next.InstalledAt = s.now().UTC()
	next.RefreshDerived()

	prevList := append([]domain.StrategyID(nil), s.installed[principal]...)
	s.policies[key] = next
	s.installed[principal] = append(s.installed[principal], id)

	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.policies, key)
		s.restoreList(principal, prevList)
	})

	stored := next.Clone()
	stage(ctx, s.repo, Change{Op: OpSavePolicy, Key: key, Policy: &stored})
	txn.AfterCommit(ctx, func() {
		digest, err := Digest(&stored)
		if err != nil {
			s.logger.Warn("policy digest failed", zap.Error(err))
		}
		s.emit(audit.Event{Type: audit.PolicyInstalled, Principal: principal, StrategyID: id, PolicyDigest: digest})
	})
	return nil
}

// InstallFromTemplate seeds the policy from an active template and applies the
// non-zero customization fields.
func (s *Store) InstallFromTemplate(ctx context.Context, principal domain.Address, id domain.StrategyID, template string, c domain.Customization) error {
	tpl, err := s.catalog.Get(template)
	if err != nil {
		return err
	}
	return s.Install(ctx, principal, id, c.Apply(&tpl.Base))
}

// Uninstall removes an installed policy.
func (s *Store) Uninstall(ctx context.Context, principal domain.Address, id domain.StrategyID) error {
	removed, err := s.uninstall(ctx, principal, id)
	if err != nil {
		return err
	}
	if !removed {
		return domain.ErrPolicyNotInstalled.Withf("principal %s strategy %d", principal.Hex(), id)
	}
	return nil
}

// UninstallIfPresent is the idempotent variant used on revoke paths.
func (s *Store) UninstallIfPresent(ctx context.Context, principal domain.Address, id domain.StrategyID) error {
	_, err := s.uninstall(ctx, principal, id)
	return err
}

func (s *Store) uninstall(ctx context.Context, principal domain.Address, id domain.StrategyID) (removed bool, err error) {
	err = txn.Run(ctx, func(ctx context.Context) error {
		removed = s.remove(ctx, principal, id)
		return nil
	})
	return removed && err == nil, err
}

func (s *Store) remove(ctx context.Context, principal domain.Address, id domain.StrategyID) bool {
	key := domain.PolicyKey{Principal: principal, StrategyID: id}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.policies[key]
	if !ok {
		return false
	}
	prevList := append([]domain.StrategyID(nil), s.installed[principal]...)

	delete(s.policies, key)
	s.removeFromList(principal, id)

	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.policies[key] = old
		s.restoreList(principal, prevList)
	})
	stage(ctx, s.repo, Change{Op: OpDeletePolicy, Key: key})
	txn.AfterCommit(ctx, func() {
		s.emit(audit.Event{Type: audit.PolicyUninstalled, Principal: principal, StrategyID: id})
	})
	return true
}

// removeFromList drops id with swap-with-last; order is not preserved.
func (s *Store) removeFromList(principal domain.Address, id domain.StrategyID) {
	list := s.installed[principal]
	for i, v := range list {
		if v != id {
			continue
		}
		last := len(list) - 1
		list[i] = list[last]
		list = list[:last]
		break
	}
	if len(list) == 0 {
		delete(s.installed, principal)
		return
	}
	s.installed[principal] = list
}

func (s *Store) restoreList(principal domain.Address, list []domain.StrategyID) {
	if len(list) == 0 {
		delete(s.installed, principal)
		return
	}
	s.installed[principal] = list
}

func (s *Store) UpdateTradingLimits(ctx context.Context, principal domain.Address, id domain.StrategyID, l domain.TradingLimits) error {
	return s.update(ctx, principal, id, ScopeTrading, l.Apply)
}

func (s *Store) UpdateBorrowingLimits(ctx context.Context, principal domain.Address, id domain.StrategyID, l domain.BorrowingLimits) error {
	return s.update(ctx, principal, id, ScopeBorrowing, l.Apply)
}

func (s *Store) UpdateSafetyControls(ctx context.Context, principal domain.Address, id domain.StrategyID, c domain.SafetyControls) error {
	return s.update(ctx, principal, id, ScopeSafety, c.Apply)
}

func (s *Store) UpdateTokenLists(ctx context.Context, principal domain.Address, id domain.StrategyID, l domain.TokenLists) error {
	return s.update(ctx, principal, id, ScopeTokens, l.Apply)
}

func (s *Store) UpdatePermissions(ctx context.Context, principal domain.Address, id domain.StrategyID, perms domain.Permissions) error {
	return s.update(ctx, principal, id, ScopePermissions, func(p *domain.Policy) { p.Permissions = perms })
}

func (s *Store) UpdateAdvancedLimits(ctx context.Context, principal domain.Address, id domain.StrategyID, adv domain.AdvancedLimits) error {
	return s.update(ctx, principal, id, ScopeAdvanced, func(p *domain.Policy) { p.Advanced = adv })
}

func (s *Store) update(ctx context.Context, principal domain.Address, id domain.StrategyID, scope string, mutate func(*domain.Policy)) error {
	return txn.Run(ctx, func(ctx context.Context) error {
		return s.apply(ctx, principal, id, scope, mutate)
	})
}

func (s *Store) apply(ctx context.Context, principal domain.Address, id domain.StrategyID, scope string, mutate func(*domain.Policy)) error {
	key := domain.PolicyKey{Principal: principal, StrategyID: id}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.policies[key]
	if !ok {
		return domain.ErrPolicyNotInstalled.Withf("principal %s strategy %d", principal.Hex(), id)
	}
	next := old.Clone()
	mutate(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	next.RefreshDerived()
	s.policies[key] = next

	s.journal(ctx, key, old)
	stored := next.Clone()
	stage(ctx, s.repo, Change{Op: OpSavePolicy, Key: key, Policy: &stored})
	txn.AfterCommit(ctx, func() {
		s.emit(audit.Event{Type: audit.PolicyUpdated, Principal: principal, StrategyID: id, Scope: scope})
	})
	return nil
}

// SetEnabled is the principal's manual switch.
func (s *Store) SetEnabled(ctx context.Context, principal domain.Address, id domain.StrategyID, enabled bool) error {
	reason := "disabled by principal"
	if enabled {
		reason = ""
	}
	return s.setEnabled(ctx, principal, id, enabled, reason)
}

// RegisterGateway allows gatewayID to call EmergencyDisable.
func (s *Store) RegisterGateway(gatewayID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gateways[gatewayID] = struct{}{}
}

// EmergencyDisable is the circuit breaker's only lever. Callable by registered
// gateways on enabled policies.
func (s *Store) EmergencyDisable(ctx context.Context, gatewayID string, principal domain.Address, id domain.StrategyID, reason string) error {
	s.mu.RLock()
	_, ok := s.gateways[gatewayID]
	s.mu.RUnlock()
	if !ok {
		return domain.ErrNotGateway.Withf("gateway %q", gatewayID)
	}
	return s.setEnabled(ctx, principal, id, false, reason)
}

func (s *Store) setEnabled(ctx context.Context, principal domain.Address, id domain.StrategyID, enabled bool, reason string) error {
	return txn.Run(ctx, func(ctx context.Context) error {
		return s.switchPolicy(ctx, principal, id, enabled, reason)
	})
}

func (s *Store) switchPolicy(ctx context.Context, principal domain.Address, id domain.StrategyID, enabled bool, reason string) error {
	key := domain.PolicyKey{Principal: principal, StrategyID: id}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.policies[key]
	if !ok {
		return domain.ErrPolicyNotInstalled.Withf("principal %s strategy %d", principal.Hex(), id)
	}
	switch {
	case enabled && old.Enabled:
		return domain.ErrAlreadyEnabled
	case !enabled && !old.Enabled:
		return domain.ErrAlreadyDisabled
	}

	next := old.Clone()
	next.Enabled = enabled
	s.policies[key] = next
	s.journal(ctx, key, old)

	eventType := audit.PolicyDisabled
	if enabled {
		eventType = audit.PolicyEnabled
	}
	stored := next.Clone()
	stage(ctx, s.repo, Change{Op: OpSavePolicy, Key: key, Policy: &stored})
	txn.AfterCommit(ctx, func() {
		s.emit(audit.Event{Type: eventType, Principal: principal, StrategyID: id, Reason: reason})
	})
	return nil
}

// ApplyRemoteState mirrors an enable or disable decided by another router
// instance. The record is already persisted by that instance, so only memory
// changes here. Reports whether anything changed.
func (s *Store) ApplyRemoteState(principal domain.Address, id domain.StrategyID, enabled bool) bool {
	key := domain.PolicyKey{Principal: principal, StrategyID: id}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[key]
	if !ok || p.Enabled == enabled {
		return false
	}
	p.Enabled = enabled
	s.policies[key] = p
	return true
}

func (s *Store) journal(ctx context.Context, key domain.PolicyKey, old domain.Policy) {
	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.policies[key] = old
	})
}

// Get returns a copy of the stored policy.
func (s *Store) Get(principal domain.Address, id domain.StrategyID) (domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[domain.PolicyKey{Principal: principal, StrategyID: id}]
	if !ok {
		return domain.Policy{}, domain.ErrPolicyNotInstalled.Withf("principal %s strategy %d", principal.Hex(), id)
	}
	return p.Clone(), nil
}

// Installed lists the strategies with a policy for principal.
func (s *Store) Installed(principal domain.Address) []domain.StrategyID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.StrategyID(nil), s.installed[principal]...)
}

func (s *Store) IsTokenAllowed(principal domain.Address, id domain.StrategyID, token domain.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[domain.PolicyKey{Principal: principal, StrategyID: id}]
	if !ok {
		return false, domain.ErrPolicyNotInstalled.Withf("principal %s strategy %d", principal.Hex(), id)
	}
	return p.TokenAllowed(token), nil
}

func (s *Store) IsEnabled(principal domain.Address, id domain.StrategyID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[domain.PolicyKey{Principal: principal, StrategyID: id}]
	return ok && p.Enabled
}

// Disabled lists installed policies that are switched off.
func (s *Store) Disabled() []domain.PolicyKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.PolicyKey
	for k, p := range s.policies {
		if !p.Enabled {
			out = append(out, k)
		}
	}
	return out
}

// Load replaces memory with the persisted policies (cold start).
func (s *Store) Load(ctx context.Context) error {
	stored, err := s.repo.LoadPolicies(ctx)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}

	installed := make(map[domain.Address][]domain.StrategyID)
	for k := range stored {
		installed[k.Principal] = append(installed[k.Principal], k.StrategyID)
	}
	for _, list := range installed {
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	}

	s.mu.Lock()
	s.policies = stored
	s.installed = installed
	s.mu.Unlock()

	s.logger.Info("policy cache loaded", zap.Int("count", len(stored)))
	return nil
}

// Reload replaces the in-memory entry for key with the persisted one; a
// missing record removes it. Used to mirror changes made by another router
// instance. Reports whether memory changed.
func (s *Store) Reload(ctx context.Context, key domain.PolicyKey) (bool, error) {
	stored, err := s.repo.LoadPolicy(ctx, key)
	if err != nil {
		return false, fmt.Errorf("reload policy: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.policies[key]
	if stored == nil {
		if !ok {
			return false, nil
		}
		delete(s.policies, key)
		s.removeFromList(key.Principal, key.StrategyID)
		return true, nil
	}

	next := stored.Clone()
	next.RefreshDerived()
	s.policies[key] = next
	if !ok {
		s.installed[key.Principal] = append(s.installed[key.Principal], key.StrategyID)
	}
	return !ok || !samePolicy(&old, &next), nil
}

func samePolicy(a, b *domain.Policy) bool {
	da, err := Digest(a)
	if err != nil {
		return false
	}
	db, err := Digest(b)
	return err == nil && da == db
}

func (s *Store) emit(e audit.Event) {
	e.Timestamp = s.now().UTC()
	s.emitter.Emit(e)
}

// Digest is the Keccak-256 of the policy's JSON document.
func Digest(p *domain.Policy) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(raw)
	return hexutil.Encode(h.Sum(nil)), nil
}

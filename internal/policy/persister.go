package policy

import (
	"context"

	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"github.com/xela07ax/spaceai-agent-router/internal/txn"
)

// ChangeOp is the kind of a durable mutation.
type ChangeOp uint8

const (
	OpSavePolicy ChangeOp = iota + 1
	OpDeletePolicy
	OpSaveAuthorization
	OpDeleteAuthorization
)

func (op ChangeOp) String() string {
	switch op {
	case OpSavePolicy:
		return "save_policy"
	case OpDeletePolicy:
		return "delete_policy"
	case OpSaveAuthorization:
		return "save_authorization"
	case OpDeleteAuthorization:
		return "delete_authorization"
	}
	return "unknown"
}

// Change is one durable mutation. Policy is set for OpSavePolicy only.
type Change struct {
	Op     ChangeOp
	Key    domain.PolicyKey
	Policy *domain.Policy
}

// Persister is the durable copy of the store and the grant relation. The
// changes of one unit of work reach Apply together, before the unit commits,
// and must be applied atomically: a failed Apply rolls the unit back.
type Persister interface {
	Apply(ctx context.Context, changes []Change) error
	LoadPolicies(ctx context.Context) (map[domain.PolicyKey]domain.Policy, error)
	LoadAuthorizations(ctx context.Context) ([]domain.PolicyKey, error)
	// LoadPolicy returns nil when no policy is stored for key.
	LoadPolicy(ctx context.Context, key domain.PolicyKey) (*domain.Policy, error)
	LoadAuthorization(ctx context.Context, key domain.PolicyKey) (bool, error)
}

// NopPersister keeps nothing. Standalone mode and tests.
type NopPersister struct{}

func (NopPersister) Apply(context.Context, []Change) error { return nil }

func (NopPersister) LoadPolicies(context.Context) (map[domain.PolicyKey]domain.Policy, error) {
	return map[domain.PolicyKey]domain.Policy{}, nil
}

func (NopPersister) LoadAuthorizations(context.Context) ([]domain.PolicyKey, error) {
	return nil, nil
}

func (NopPersister) LoadPolicy(context.Context, domain.PolicyKey) (*domain.Policy, error) {
	return nil, nil
}

func (NopPersister) LoadAuthorization(context.Context, domain.PolicyKey) (bool, error) {
	return false, nil
}

// pendingKey scopes a batch to one persister within a unit of work. Persister
// implementations must be comparable (pointers or empty structs).
type pendingKey struct{ repo Persister }

type pending struct {
	changes []Change
}

// stage queues c on the unit of work in ctx. The first change for repo
// registers the prepare hook that hands the whole batch to Apply.
func stage(ctx context.Context, repo Persister, c Change) {
	p := txn.Value(ctx, pendingKey{repo}, func() any {
		p := &pending{}
		_ = txn.OnPrepare(ctx, func(ctx context.Context) error {
			if len(p.changes) == 0 {
				return nil
			}
			return repo.Apply(ctx, p.changes)
		})
		return p
	}).(*pending)
	p.changes = append(p.changes, c)
}

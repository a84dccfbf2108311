package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"github.com/xela07ax/spaceai-agent-router/internal/policy"
)

// PolicyRepo is the durable copy of policies and authorizations. The policy
// store keeps the hot copy in memory and hands each unit of work's changes to
// Apply before it commits.
type PolicyRepo struct {
	db DB
}

func NewPolicyRepo(db DB) *PolicyRepo {
	return &PolicyRepo{db: db}
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Apply writes changes in one transaction: all of them land or none does.
func (r *PolicyRepo) Apply(ctx context.Context, changes []policy.Change) error {
	if len(changes) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		for _, c := range changes {
			if err := applyChange(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyChange(ctx context.Context, db execer, c policy.Change) error {
	principal, id := c.Key.Principal.Hex(), int64(c.Key.StrategyID)

	var (
		query string
		args  = []any{principal, id}
	)
	switch c.Op {
	case policy.OpSavePolicy:
		if c.Policy == nil {
			return fmt.Errorf("postgres: %s without a policy", c.Op)
		}
		doc, err := json.Marshal(c.Policy)
		if err != nil {
			return fmt.Errorf("postgres: encode policy: %w", err)
		}
		// Whole document upsert.
		query = `
			INSERT INTO policies (principal, strategy_id, document, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (principal, strategy_id)
			DO UPDATE SET document = EXCLUDED.document, updated_at = NOW()`
		args = append(args, doc)
	case policy.OpDeletePolicy:
		query = `DELETE FROM policies WHERE principal = $1 AND strategy_id = $2`
	case policy.OpSaveAuthorization:
		query = `
			INSERT INTO authorizations (principal, strategy_id)
			VALUES ($1, $2)
			ON CONFLICT (principal, strategy_id) DO NOTHING`
	case policy.OpDeleteAuthorization:
		query = `DELETE FROM authorizations WHERE principal = $1 AND strategy_id = $2`
	default:
		return fmt.Errorf("postgres: unknown change %d", c.Op)
	}

	if _, err := db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: failed to %s %s/%d: %w", c.Op, principal, id, err)
	}
	return nil
}

// LoadPolicy returns nil when no policy is stored for key.
func (r *PolicyRepo) LoadPolicy(ctx context.Context, key domain.PolicyKey) (*domain.Policy, error) {
	var doc []byte
	err := r.db.QueryRow(ctx,
		`SELECT document FROM policies WHERE principal = $1 AND strategy_id = $2`,
		key.Principal.Hex(), int64(key.StrategyID),
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load policy: %w", err)
	}

	var p domain.Policy
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("postgres: decode policy %s/%d: %w", key.Principal.Hex(), key.StrategyID, err)
	}
	p.RefreshDerived()
	return &p, nil
}

func (r *PolicyRepo) LoadAuthorization(ctx context.Context, key domain.PolicyKey) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM authorizations WHERE principal = $1 AND strategy_id = $2)`,
		key.Principal.Hex(), int64(key.StrategyID),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: load authorization: %w", err)
	}
	return exists, nil
}

// LoadPolicies is the cold start of the policy store.
func (r *PolicyRepo) LoadPolicies(ctx context.Context) (map[domain.PolicyKey]domain.Policy, error) {
	rows, err := r.db.Query(ctx, `SELECT principal, strategy_id, document FROM policies`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load policies: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.PolicyKey]domain.Policy)
	for rows.Next() {
		var (
			key domain.PolicyKey
			doc []byte
		)
		if err := scanKey(rows, &key, &doc); err != nil {
			return nil, err
		}
		var p domain.Policy
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, fmt.Errorf("postgres: decode policy %s/%d: %w", key.Principal.Hex(), key.StrategyID, err)
		}
		p.RefreshDerived()
		out[key] = p
	}
	return out, rows.Err()
}

func (r *PolicyRepo) LoadAuthorizations(ctx context.Context) ([]domain.PolicyKey, error) {
	rows, err := r.db.Query(ctx, `SELECT principal, strategy_id FROM authorizations ORDER BY granted_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load authorizations: %w", err)
	}
	defer rows.Close()

	var out []domain.PolicyKey
	for rows.Next() {
		var key domain.PolicyKey
		if err := scanKey(rows, &key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// scanKey reads (principal, strategy_id, extra...) into key.
func scanKey(rows pgx.Rows, key *domain.PolicyKey, extra ...any) error {
	var (
		principal string
		id        int64
	)
	if err := rows.Scan(append([]any{&principal, &id}, extra...)...); err != nil {
		return fmt.Errorf("postgres: scan key: %w", err)
	}
	addr, err := parseAddress(principal)
	if err != nil {
		return err
	}
	key.Principal = addr
	key.StrategyID = domain.StrategyID(id)
	return nil
}

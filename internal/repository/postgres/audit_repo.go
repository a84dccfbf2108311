package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-agent-router/internal/audit"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
)

// EventRepo is the journal storage: one row per event, the whole event in
// payload.
type EventRepo struct {
	db DB
}

func NewEventRepo(db DB) *EventRepo {
	return &EventRepo{db: db}
}

func (r *EventRepo) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	query := `
		INSERT INTO events (id, trace_id, type, principal, strategy_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	batch := &pgx.Batch{}
	for i := range events {
		e := &events[i]
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("postgres: encode event %s: %w", e.ID, err)
		}
		batch.Queue(query, e.ID, e.TraceID, string(e.Type), e.Principal.Hex(), int64(e.StrategyID), payload, e.Timestamp)
	}

	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: write %d events: %w", len(events), err)
	}
	return nil
}

// List returns the events of one grant, oldest first.
func (r *EventRepo) List(ctx context.Context, key domain.PolicyKey, limit int) ([]audit.Event, error) {
	query := `
		SELECT payload FROM events
		WHERE principal = $1 AND strategy_id = $2
		ORDER BY created_at
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, key.Principal.Hex(), int64(key.StrategyID), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e audit.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("postgres: decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func parseAddress(s string) (domain.Address, error) {
	if !common.IsHexAddress(s) {
		return domain.Address{}, fmt.Errorf("postgres: invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

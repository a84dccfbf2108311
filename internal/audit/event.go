package audit

import (
	"time"

	"github.com/holiman/uint256"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
)

// EventType is the public audit surface an indexer builds on.
type EventType string

const (
	StrategyAuthorized       EventType = "StrategyAuthorized"
	StrategyRevoked          EventType = "StrategyRevoked"
	PolicyInstalled          EventType = "PolicyInstalled"
	PolicyUninstalled        EventType = "PolicyUninstalled"
	PolicyUpdated            EventType = "PolicyUpdated"
	PolicyEnabled            EventType = "PolicyEnabled"
	PolicyDisabled           EventType = "PolicyDisabled"
	AgentSwapExecuted        EventType = "AgentSwapExecuted"
	AgentLimitOrderPlaced    EventType = "AgentLimitOrderPlaced"
	AgentOrderCancelled      EventType = "AgentOrderCancelled"
	AgentBorrowExecuted      EventType = "AgentBorrowExecuted"
	AgentRepayExecuted       EventType = "AgentRepayExecuted"
	AgentCollateralSupplied  EventType = "AgentCollateralSupplied"
	AgentCollateralWithdrawn EventType = "AgentCollateralWithdrawn"
	CircuitBreakerTriggered  EventType = "CircuitBreakerTriggered"
	PolicyViolation          EventType = "PolicyViolation"
)

type Event struct {
	ID         string            `json:"id"`
	TraceID    string            `json:"trace_id,omitempty"`
	Type       EventType         `json:"type"`
	Principal  domain.Address    `json:"principal"`
	StrategyID domain.StrategyID `json:"strategy_id"`
	Executor   *domain.Address   `json:"executor,omitempty"`

	Assets       []domain.Address `json:"assets,omitempty"`
	Amounts      []uint256.Int    `json:"amounts,omitempty"`
	HealthFactor *uint256.Int     `json:"health_factor,omitempty"`
	OrderID      domain.OrderID   `json:"order_id,omitempty"`
	Side         domain.Side      `json:"side,omitempty"`

	// Field group for PolicyUpdated, reason for disables and violations.
	Scope  string `json:"scope,omitempty"`
	Reason string `json:"reason,omitempty"`
	// Keccak-256 digest of the installed policy document.
	PolicyDigest string `json:"policy_digest,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Emitter receives committed events.
type Emitter interface {
	Emit(event Event)
}

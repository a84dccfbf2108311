package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"github.com/xela07ax/spaceai-agent-router/internal/infra"
	"github.com/xela07ax/spaceai-agent-router/internal/policy"
	"go.uber.org/zap"
)

// Signal statuses carried after the last colon of a payload.
const (
	statusOn   = "on"
	statusOff  = "off"
	statusSync = "sync"
)

// Broadcaster tells other router instances about policy changes.
type Broadcaster interface {
	// Publish announces an enable/disable decision.
	Publish(ctx context.Context, key domain.PolicyKey, enabled bool) error
	// Announce tells other instances that the durable copy of key changed
	// (install, update, grant, revoke) and must be reloaded. enabled is the
	// resulting state for the shared disabled set; absent policies count as
	// enabled.
	Announce(ctx context.Context, key domain.PolicyKey, enabled bool) error
}

// Mirror applies another instance's decisions to local memory.
type Mirror interface {
	MirrorState(key domain.PolicyKey, enabled bool) bool
	Reload(ctx context.Context, key domain.PolicyKey) (bool, error)
}

// PolicySignals shares policy changes through Redis: a set of disabled
// policies for cold starts and a pub/sub channel for live updates. Payloads
// are "<origin>/<principal>:<strategy>:<status>"; an instance ignores its own.
type PolicySignals struct {
	rdb    *redis.Client
	store  *policy.Store
	origin string
	logger *zap.Logger
}

func NewPolicySignals(rdb *redis.Client, store *policy.Store, logger *zap.Logger) *PolicySignals {
	return &PolicySignals{rdb: rdb, store: store, origin: uuid.NewString(), logger: logger.Named("signals")}
}

// SignalID encodes a policy key as "principal:strategy".
func SignalID(key domain.PolicyKey) string {
	return key.Principal.Hex() + ":" + strconv.FormatUint(uint64(key.StrategyID), 10)
}

func ParseSignalID(id string) (domain.PolicyKey, error) {
	principal, strategy, ok := strings.Cut(id, ":")
	if !ok || !common.IsHexAddress(principal) {
		return domain.PolicyKey{}, fmt.Errorf("invalid policy signal id %q", id)
	}
	n, err := strconv.ParseUint(strategy, 10, 64)
	if err != nil {
		return domain.PolicyKey{}, fmt.Errorf("invalid strategy in signal id %q: %w", id, err)
	}
	return domain.PolicyKey{Principal: common.HexToAddress(principal), StrategyID: domain.StrategyID(n)}, nil
}

func (s *PolicySignals) Publish(ctx context.Context, key domain.PolicyKey, enabled bool) error {
	status := statusOff
	if enabled {
		status = statusOn
	}
	return s.send(ctx, key, enabled, status)
}

func (s *PolicySignals) Announce(ctx context.Context, key domain.PolicyKey, enabled bool) error {
	return s.send(ctx, key, enabled, statusSync)
}

// send updates the disabled set and publishes in one MULTI.
func (s *PolicySignals) send(ctx context.Context, key domain.PolicyKey, enabled bool, status string) error {
	id := SignalID(key)

	pipe := s.rdb.TxPipeline()
	if enabled {
		pipe.SRem(ctx, infra.RedisKeyDisabledPolicies, id)
	} else {
		pipe.SAdd(ctx, infra.RedisKeyDisabledPolicies, id)
	}
	pipe.Publish(ctx, infra.RedisChanPolicyState, s.origin+"/"+id+":"+status)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish policy signal: %w", err)
	}
	return nil
}

// Init applies the shared disabled set to the local store. Start-up only,
// before a router exists.
func (s *PolicySignals) Init(ctx context.Context) error {
	keys, err := s.disabled(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		s.store.ApplyRemoteState(key.Principal, key.StrategyID, false)
	}
	return nil
}

// Warmup seeds the shared set with the policies this instance knows are off.
func (s *PolicySignals) Warmup(ctx context.Context) error {
	disabled := s.store.Disabled()
	ids := make([]string, len(disabled))
	for i, k := range disabled {
		ids[i] = SignalID(k)
	}
	return WarmupState(ctx, s.rdb, s.logger, ids, infra.RedisKeyDisabledPolicies, infra.RedisKeyLockWarmupDisabled)
}

// Listen mirrors signals from other instances into target until ctx is done.
func (s *PolicySignals) Listen(ctx context.Context, target Mirror) {
	s.logger.Info("policy signal listener started",
		zap.String("chan", infra.RedisChanPolicyState),
		zap.String("origin", s.origin),
	)
	ListenStateResilient(ctx, s.rdb, s.logger, infra.RedisChanPolicyState,
		func() error { return s.resync(ctx, target) },
		func(id, status string) { s.handle(ctx, target, id, status) },
	)
}

func (s *PolicySignals) resync(ctx context.Context, target Mirror) error {
	keys, err := s.disabled(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		target.MirrorState(key, false)
	}
	return nil
}

func (s *PolicySignals) disabled(ctx context.Context) ([]domain.PolicyKey, error) {
	ids, err := s.rdb.SMembers(ctx, infra.RedisKeyDisabledPolicies).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]domain.PolicyKey, 0, len(ids))
	for _, id := range ids {
		key, err := ParseSignalID(id)
		if err != nil {
			s.logger.Error("skipping disabled set member", zap.Error(err))
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *PolicySignals) handle(ctx context.Context, target Mirror, raw, status string) {
	// 1. Drop our own echo; payloads without an origin come from older peers.
	origin, id, ok := strings.Cut(raw, "/")
	if !ok {
		origin, id = "", raw
	}
	if origin == s.origin {
		return
	}

	// 2. Decode the policy key.
	key, err := ParseSignalID(id)
	if err != nil {
		s.logger.Error("dropping policy signal", zap.Error(err))
		return
	}
	fields := []zap.Field{
		zap.Stringer("principal", key.Principal),
		zap.Uint64("strategy", uint64(key.StrategyID)),
		zap.String("status", status),
	}

	// 3. on/off flips the flag in memory; sync re-reads the durable copy.
	switch status {
	case statusOn, "true":
		if target.MirrorState(key, true) {
			s.logger.Info("policy state mirrored", fields...)
		}
	case statusOff, "false":
		if target.MirrorState(key, false) {
			s.logger.Info("policy state mirrored", fields...)
		}
	case statusSync:
		changed, err := target.Reload(ctx, key)
		if err != nil {
			s.logger.Error("policy reload failed", append(fields, zap.Error(err))...)
			return
		}
		if changed {
			s.logger.Info("policy reloaded", fields...)
		}
	default:
		s.logger.Error("unknown policy signal status", fields...)
	}
}

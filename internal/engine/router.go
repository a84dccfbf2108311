package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/xela07ax/spaceai-agent-router/internal/audit"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"github.com/xela07ax/spaceai-agent-router/internal/identity"
	"github.com/xela07ax/spaceai-agent-router/internal/policy"
	"github.com/xela07ax/spaceai-agent-router/internal/txn"
	"github.com/xela07ax/spaceai-agent-router/internal/venue"
	"go.uber.org/zap"
)

type Deps struct {
	Resolver identity.Resolver
	Policies *policy.Store
	Grants   *policy.Authorizations
	Venue    venue.Venue
	// Optional: registry submissions are skipped without an outbox.
	Outbox *Outbox
	// Optional: single-instance deployments do not broadcast.
	Signals Broadcaster
	// Optional: without a lease this instance is always the writer.
	Lease   Lease
	Emitter audit.Emitter
	Metrics *Metrics
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Router is the execution gateway. Every entry point locks the principal and
// strategy stripes and runs as one unit of work: either all of its state
// changes (policy, authorization, usage, breaker baseline, venue) commit, or
// none do.
type Router struct {
	id string

	resolver identity.Resolver
	policies *policy.Store
	grants   *policy.Authorizations
	venue    venue.Venue
	usage    *UsageTracker
	breaker  *CircuitBreaker

	outbox  *Outbox
	signals Broadcaster
	lease   Lease
	emitter audit.Emitter
	metrics *Metrics
	stripes *txn.Stripes
	now     func() time.Time
	logger  *zap.Logger
}

func NewRouter(d Deps) *Router {
	if d.Emitter == nil {
		d.Emitter = audit.Discard{}
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics(nil)
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}

	usage := NewUsageTracker()
	r := &Router{
		id:       uuid.NewString(),
		resolver: d.Resolver,
		policies: d.Policies,
		grants:   d.Grants,
		venue:    d.Venue,
		usage:    usage,
		breaker:  NewCircuitBreaker(d.Venue, usage),
		outbox:   d.Outbox,
		signals:  d.Signals,
		lease:    d.Lease,
		emitter:  d.Emitter,
		metrics:  d.Metrics,
		stripes:  txn.NewStripes(0),
		now:      d.Clock,
		logger:   d.Logger.Named("router"),
	}
	r.policies.RegisterGateway(r.id)
	return r
}

// ID is the gateway id registered with the policy store.
func (r *Router) ID() string { return r.id }

func (r *Router) Policies() *policy.Store { return r.policies }

func (r *Router) Grants() *policy.Authorizations { return r.grants }

func (r *Router) Usage() *UsageTracker { return r.usage }

func (r *Router) Breaker() *CircuitBreaker { return r.breaker }

func (r *Router) lock(principal domain.Address, id domain.StrategyID) func() {
	return r.stripes.Lock("p:"+principal.Hex(), "s:"+strconv.FormatUint(uint64(id), 10))
}

// writable rejects state changes on an instance that is not the writer.
func (r *Router) writable() error {
	if r.lease != nil && !r.lease.Held() {
		return domain.ErrNotWriter.Withf("gateway %s", r.id)
	}
	return nil
}

// Authorize installs p and grants the strategy in one unit of work. An
// existing policy must be revoked first.
func (r *Router) Authorize(ctx context.Context, principal domain.Address, id domain.StrategyID, p domain.Policy) error {
	unlock := r.lock(principal, id)
	defer unlock()

	return txn.Run(ctx, func(ctx context.Context) error {
		if err := r.writable(); err != nil {
			return err
		}
		if err := r.policies.Install(ctx, principal, id, p); err != nil {
			return err
		}
		return r.grant(ctx, principal, id)
	})
}

func (r *Router) AuthorizeFromTemplate(ctx context.Context, principal domain.Address, id domain.StrategyID, template string, c domain.Customization) error {
	unlock := r.lock(principal, id)
	defer unlock()

	return txn.Run(ctx, func(ctx context.Context) error {
		if err := r.writable(); err != nil {
			return err
		}
		if err := r.policies.InstallFromTemplate(ctx, principal, id, template, c); err != nil {
			return err
		}
		return r.grant(ctx, principal, id)
	})
}

func (r *Router) grant(ctx context.Context, principal domain.Address, id domain.StrategyID) error {
	key := domain.PolicyKey{Principal: principal, StrategyID: id}
	if err := r.grants.Grant(ctx, key); err != nil {
		return err
	}
	txn.AfterCommit(ctx, func() {
		r.emit(ctx, audit.Event{Type: audit.StrategyAuthorized, Principal: principal, StrategyID: id})
		r.announce(ctx, key)
	})
	return nil
}

// Revoke clears the grant and removes the policy if it is still there.
func (r *Router) Revoke(ctx context.Context, principal domain.Address, id domain.StrategyID) error {
	unlock := r.lock(principal, id)
	defer unlock()

	key := domain.PolicyKey{Principal: principal, StrategyID: id}
	return txn.Run(ctx, func(ctx context.Context) error {
		if err := r.writable(); err != nil {
			return err
		}
		revoked, err := r.grants.Revoke(ctx, key)
		if err != nil {
			return err
		}
		if !revoked {
			return domain.ErrStrategyNotAuthorized.Withf("principal %s strategy %d", principal.Hex(), id)
		}
		txn.AfterCommit(ctx, func() {
			r.emit(ctx, audit.Event{Type: audit.StrategyRevoked, Principal: principal, StrategyID: id})
			r.announce(ctx, key)
		})
		return r.policies.UninstallIfPresent(ctx, principal, id)
	})
}

func (r *Router) EnablePolicy(ctx context.Context, principal domain.Address, id domain.StrategyID) error {
	return r.setPolicyEnabled(ctx, principal, id, true)
}

func (r *Router) DisablePolicy(ctx context.Context, principal domain.Address, id domain.StrategyID) error {
	return r.setPolicyEnabled(ctx, principal, id, false)
}

func (r *Router) setPolicyEnabled(ctx context.Context, principal domain.Address, id domain.StrategyID, enabled bool) error {
	unlock := r.lock(principal, id)
	defer unlock()

	return txn.Run(ctx, func(ctx context.Context) error {
		if err := r.writable(); err != nil {
			return err
		}
		if err := r.policies.SetEnabled(ctx, principal, id, enabled); err != nil {
			return err
		}
		txn.AfterCommit(ctx, func() {
			r.broadcast(ctx, domain.PolicyKey{Principal: principal, StrategyID: id}, enabled)
		})
		return nil
	})
}

// Configure runs a policy mutation under the pair's lock, so it never
// interleaves with an execution for the same principal or strategy.
func (r *Router) Configure(ctx context.Context, principal domain.Address, id domain.StrategyID, fn func(ctx context.Context, store *policy.Store) error) error {
	unlock := r.lock(principal, id)
	defer unlock()

	return txn.Run(ctx, func(ctx context.Context) error {
		if err := r.writable(); err != nil {
			return err
		}
		if err := fn(ctx, r.policies); err != nil {
			return err
		}
		txn.AfterCommit(ctx, func() {
			r.announce(ctx, domain.PolicyKey{Principal: principal, StrategyID: id})
		})
		return nil
	})
}

// admit is the shared prologue of every execution.
func (r *Router) admit(ctx context.Context, caller, principal domain.Address, id domain.StrategyID, now time.Time) (domain.Policy, error) {
	ok, err := identity.IsController(ctx, r.resolver, id, caller)
	if err != nil {
		return domain.Policy{}, err
	}
	if !ok {
		return domain.Policy{}, domain.ErrNotStrategyController.Withf("caller %s strategy %d", caller.Hex(), id)
	}

	if !r.grants.IsAuthorized(domain.PolicyKey{Principal: principal, StrategyID: id}) {
		return domain.Policy{}, domain.ErrStrategyNotAuthorized.Withf("principal %s strategy %d", principal.Hex(), id)
	}

	p, err := r.policies.Get(principal, id)
	if err != nil {
		return domain.Policy{}, err
	}
	if !p.Enabled {
		return domain.Policy{}, domain.ErrPolicyDisabled.Withf("principal %s strategy %d", principal.Hex(), id)
	}
	if p.Expired(now) {
		return domain.Policy{}, domain.ErrPolicyExpired.Withf("expired at %s", p.ExpiresAt.Format(time.RFC3339))
	}
	return p, nil
}

type execFunc func(ctx context.Context, p *domain.Policy, now time.Time) (domain.ExecutionResult, error)

func (r *Router) execute(ctx context.Context, action string, caller, principal domain.Address, id domain.StrategyID, fn execFunc) (domain.ExecutionResult, error) {
	start := time.Now()
	unlock := r.lock(principal, id)
	defer unlock()

	var res domain.ExecutionResult
	err := txn.Run(ctx, func(ctx context.Context) error {
		if err := r.writable(); err != nil {
			return err
		}
		now := r.now().UTC()
		p, err := r.admit(ctx, caller, principal, id, now)
		if err != nil {
			return err
		}
		res, err = fn(ctx, &p, now)
		return err
	})

	outcome := OutcomeOK
	if err != nil {
		outcome = r.fail(ctx, action, caller, principal, id, err)
		res = domain.ExecutionResult{}
	}
	r.metrics.Actions.WithLabelValues(action, outcome).Inc()
	r.metrics.ActionDuration.WithLabelValues(action, outcome).Observe(time.Since(start).Seconds())
	return res, err
}

// fail runs after the unit of work has rolled back.
func (r *Router) fail(ctx context.Context, action string, caller, principal domain.Address, id domain.StrategyID, err error) string {
	var trip *Trip
	if errors.As(err, &trip) {
		r.trip(ctx, caller, trip)
	}

	switch domain.KindOf(err) {
	case "", domain.KindNotFound, domain.KindConflict, domain.KindUnavailable:
		r.logger.Warn("action failed",
			zap.String("action", action),
			zap.Stringer("principal", principal),
			zap.Uint64("strategy", uint64(id)),
			zap.Error(err),
		)
		return OutcomeFailed
	}

	code := domain.CodeOf(err)
	r.metrics.Violations.WithLabelValues(code).Inc()
	executor := caller
	r.emit(ctx, audit.Event{
		Type:       audit.PolicyViolation,
		Principal:  principal,
		StrategyID: id,
		Executor:   &executor,
		Scope:      action,
		Reason:     code,
	})
	r.logger.Info("action rejected",
		zap.String("action", action),
		zap.Stringer("principal", principal),
		zap.Uint64("strategy", uint64(id)),
		zap.String("code", code),
	)
	return OutcomeRejected
}

// trip disables the policy in its own unit of work; the trade that caused the
// breach has already been rolled back. A cancelled request still trips.
func (r *Router) trip(ctx context.Context, caller domain.Address, t *Trip) {
	ctx = context.WithoutCancel(ctx)
	reason := fmt.Sprintf("daily drawdown %d bps exceeds limit %d bps", t.DrawdownBps, t.LimitBps)
	key := domain.PolicyKey{Principal: t.Principal, StrategyID: t.StrategyID}

	err := txn.Run(ctx, func(ctx context.Context) error {
		if err := r.policies.EmergencyDisable(ctx, r.id, t.Principal, t.StrategyID, reason); err != nil {
			return err
		}
		txn.AfterCommit(ctx, func() {
			r.metrics.BreakerTrips.Inc()
			executor := caller
			r.emit(ctx, audit.Event{
				Type:       audit.CircuitBreakerTriggered,
				Principal:  t.Principal,
				StrategyID: t.StrategyID,
				Executor:   &executor,
				Amounts:    []uint256.Int{t.Start, t.Current},
				Reason:     reason,
			})
			if r.outbox != nil {
				r.outbox.EnqueueValidation(domain.ValidationRequest{
					StrategyID: t.StrategyID,
					Principal:  t.Principal,
					TaskType:   "circuit_breaker",
					Data: map[string]string{
						"start_value":   t.Start.Dec(),
						"current_value": t.Current.Dec(),
						"drawdown_bps":  strconv.FormatUint(t.DrawdownBps, 10),
						"limit_bps":     strconv.FormatUint(t.LimitBps, 10),
					},
				})
			}
			r.broadcast(ctx, key, false)
		})
		return nil
	})
	if err != nil {
		r.logger.Error("emergency disable failed",
			zap.Stringer("principal", t.Principal),
			zap.Uint64("strategy", uint64(t.StrategyID)),
			zap.Error(err),
		)
		return
	}
	r.logger.Warn("circuit breaker tripped",
		zap.Stringer("principal", t.Principal),
		zap.Uint64("strategy", uint64(t.StrategyID)),
		zap.Uint64("drawdown_bps", t.DrawdownBps),
	)
}

func (r *Router) broadcast(ctx context.Context, key domain.PolicyKey, enabled bool) {
	if r.signals == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.signals.Publish(ctx, key, enabled); err != nil {
		r.logger.Warn("policy signal not delivered", zap.String("id", SignalID(key)), zap.Error(err))
	}
}

// announce asks other instances to reload key from the persister.
func (r *Router) announce(ctx context.Context, key domain.PolicyKey) {
	if r.signals == nil {
		return
	}
	enabled := true
	if p, err := r.policies.Get(key.Principal, key.StrategyID); err == nil {
		enabled = p.Enabled
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.signals.Announce(ctx, key, enabled); err != nil {
		r.logger.Warn("policy sync not delivered", zap.String("id", SignalID(key)), zap.Error(err))
	}
}

// MirrorState applies an enable/disable decided by the writer instance.
func (r *Router) MirrorState(key domain.PolicyKey, enabled bool) bool {
	unlock := r.lock(key.Principal, key.StrategyID)
	defer unlock()
	return r.policies.ApplyRemoteState(key.Principal, key.StrategyID, enabled)
}

// Reload re-reads the policy and grant of key from the persister.
func (r *Router) Reload(ctx context.Context, key domain.PolicyKey) (bool, error) {
	unlock := r.lock(key.Principal, key.StrategyID)
	defer unlock()

	policyChanged, err := r.policies.Reload(ctx, key)
	if err != nil {
		return false, err
	}
	grantChanged, err := r.grants.Reload(ctx, key)
	if err != nil {
		return policyChanged, err
	}
	return policyChanged || grantChanged, nil
}

// TakeOver reloads policies and grants in full. It runs when this instance
// becomes the writer, before it accepts writes. Usage counters and breaker
// baselines are not shared: they restart from what this instance has seen.
func (r *Router) TakeOver(ctx context.Context) error {
	if err := r.policies.Load(ctx); err != nil {
		return err
	}
	if err := r.grants.Load(ctx); err != nil {
		return err
	}
	r.logger.Info("took over as writer", zap.String("gateway", r.id))
	return nil
}

func (r *Router) feedback(principal domain.Address, id domain.StrategyID, kind string, data map[string]string) {
	if r.outbox == nil {
		return
	}
	r.outbox.EnqueueFeedback(domain.Feedback{StrategyID: id, Principal: principal, Type: kind, Data: data})
}

func (r *Router) emit(ctx context.Context, e audit.Event) {
	e.TraceID = TraceID(ctx)
	e.Timestamp = r.now().UTC()
	r.emitter.Emit(e)
}

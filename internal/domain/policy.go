package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	// BpsDenominator is 100% expressed in basis points.
	BpsDenominator = 10_000
	// OneDay is the bucket width for daily volume and drawdown records.
	OneDay = 24 * time.Hour
)

// HealthFactorOne is 1.0x in the 1e18 fixed-point scale used by the lending engine.
var HealthFactorOne = *uint256.NewInt(1_000_000_000_000_000_000)

// Address is an EVM account: principals, executors and tokens.
type Address = common.Address

// StrategyID identifies a strategy agent in the identity registry.
type StrategyID uint64

// PolicyKey is the unique key of a grant.
type PolicyKey struct {
	Principal  Address    `json:"principal"`
	StrategyID StrategyID `json:"strategy_id"`
}

// Permissions are the independent operation flags of a policy.
type Permissions struct {
	AllowMarketOrders       bool `json:"allow_market_orders" yaml:"allow_market_orders"`
	AllowLimitOrders        bool `json:"allow_limit_orders" yaml:"allow_limit_orders"`
	AllowSwap               bool `json:"allow_swap" yaml:"allow_swap"`
	AllowBorrow             bool `json:"allow_borrow" yaml:"allow_borrow"`
	AllowRepay              bool `json:"allow_repay" yaml:"allow_repay"`
	AllowSupplyCollateral   bool `json:"allow_supply_collateral" yaml:"allow_supply_collateral"`
	AllowWithdrawCollateral bool `json:"allow_withdraw_collateral" yaml:"allow_withdraw_collateral"`
	AllowPlaceLimitOrder    bool `json:"allow_place_limit_order" yaml:"allow_place_limit_order"`
	AllowCancelOrder        bool `json:"allow_cancel_order" yaml:"allow_cancel_order"`
	AllowBuy                bool `json:"allow_buy" yaml:"allow_buy"`
	AllowSell               bool `json:"allow_sell" yaml:"allow_sell"`
	AllowAutoBorrow         bool `json:"allow_auto_borrow" yaml:"allow_auto_borrow"`
	AllowAutoRepay          bool `json:"allow_auto_repay" yaml:"allow_auto_repay"`
}

// AdvancedLimits need off-chain metrics to enforce. They are stored and
// flagged; the baseline execution path refuses policies that use them.
type AdvancedLimits struct {
	WeeklyVolumeLimit           uint256.Int `json:"weekly_volume_limit"`
	MaxWeeklyDrawdown           uint64      `json:"max_weekly_drawdown"`
	MaxTradeVsLiquidityBps      uint64      `json:"max_trade_vs_liquidity_bps"`
	MinWinRateBps               uint64      `json:"min_win_rate_bps"`
	MinSharpeRatio              uint64      `json:"min_sharpe_ratio"` // scaled by 100
	MaxPositionConcentrationBps uint64      `json:"max_position_concentration_bps"`
	MaxCorrelationBps           uint64      `json:"max_correlation_bps"`
	MaxTradesPerHour            uint64      `json:"max_trades_per_hour"`
	MaxTradesPerDay             uint64      `json:"max_trades_per_day"`
	// Trading window in UTC hours; equal values mean no restriction.
	TradingStartHour    uint8  `json:"trading_start_hour"`
	TradingEndHour      uint8  `json:"trading_end_hour"`
	MinReputationScore  uint64 `json:"min_reputation_score"`
	UseReputationGating bool   `json:"use_reputation_gating"`
}

// Active reports whether any limit requiring external computation is set.
// A reputation threshold alone is informational until gating is enabled.
func (a *AdvancedLimits) Active() bool {
	return !a.WeeklyVolumeLimit.IsZero() ||
		a.MaxWeeklyDrawdown > 0 ||
		a.MaxTradeVsLiquidityBps > 0 ||
		a.MinWinRateBps > 0 ||
		a.MinSharpeRatio > 0 ||
		a.MaxPositionConcentrationBps > 0 ||
		a.MaxCorrelationBps > 0 ||
		a.MaxTradesPerHour > 0 ||
		a.MaxTradesPerDay > 0 ||
		a.TradingStartHour != a.TradingEndHour ||
		a.UseReputationGating
}

// Policy is the capability a principal grants to a strategy.
type Policy struct {
	Enabled     bool      `json:"enabled"`
	InstalledAt time.Time `json:"installed_at"`
	// Zero means the grant never expires.
	ExpiresAt time.Time `json:"expires_at"`

	MaxOrderSize uint256.Int `json:"max_order_size"`
	MinOrderSize uint256.Int `json:"min_order_size"`

	WhitelistedTokens []Address `json:"whitelisted_tokens"`
	BlacklistedTokens []Address `json:"blacklisted_tokens"`

	Permissions Permissions `json:"permissions"`

	MinHealthFactor      uint256.Int `json:"min_health_factor"`
	MaxSlippageBps       uint64      `json:"max_slippage_bps"`
	MinTimeBetweenTrades uint64      `json:"min_time_between_trades"` // seconds
	MaxDailyDrawdown     uint64      `json:"max_daily_drawdown"`      // bps
	DailyVolumeLimit     uint256.Int `json:"daily_volume_limit"`
	MaxAutoBorrowAmount  uint256.Int `json:"max_auto_borrow_amount"`
	MinDebtToRepay       uint256.Int `json:"min_debt_to_repay"`

	Advanced AdvancedLimits `json:"advanced"`

	RequiresExternalMetrics bool `json:"requires_external_metrics"`
}

// Clone returns a deep copy; token lists are not shared.
func (p *Policy) Clone() Policy {
	c := *p
	c.WhitelistedTokens = append([]Address(nil), p.WhitelistedTokens...)
	c.BlacklistedTokens = append([]Address(nil), p.BlacklistedTokens...)
	return c
}

// Validate enforces the install/update invariants.
func (p *Policy) Validate() error {
	if p.MaxOrderSize.IsZero() {
		return ErrInvalidPolicy.Withf("max order size must be positive")
	}
	if !p.MinOrderSize.IsZero() && p.MinOrderSize.Gt(&p.MaxOrderSize) {
		return ErrInvalidPolicy.Withf("min order size %s exceeds max order size %s", p.MinOrderSize.Dec(), p.MaxOrderSize.Dec())
	}
	if p.MinHealthFactor.Lt(&HealthFactorOne) {
		return ErrInvalidPolicy.Withf("min health factor %s below 1.0x", p.MinHealthFactor.Dec())
	}
	if p.MaxDailyDrawdown > BpsDenominator {
		return ErrInvalidPolicy.Withf("max daily drawdown %d bps above 100%%", p.MaxDailyDrawdown)
	}
	if p.MaxSlippageBps > BpsDenominator {
		return ErrInvalidPolicy.Withf("max slippage %d bps above 100%%", p.MaxSlippageBps)
	}
	if p.Advanced.MaxWeeklyDrawdown > BpsDenominator {
		return ErrInvalidPolicy.Withf("max weekly drawdown %d bps above 100%%", p.Advanced.MaxWeeklyDrawdown)
	}
	if p.Advanced.TradingStartHour > 23 || p.Advanced.TradingEndHour > 23 {
		return ErrInvalidPolicy.Withf("trading hours must be within 0..23")
	}
	return nil
}

// RefreshDerived recomputes flags that depend on other fields.
func (p *Policy) RefreshDerived() {
	p.RequiresExternalMetrics = p.Advanced.Active()
}

// TokenAllowed applies the asset scope: the blacklist always wins, an empty
// whitelist admits every other token.
func (p *Policy) TokenAllowed(token Address) bool {
	for _, t := range p.BlacklistedTokens {
		if t == token {
			return false
		}
	}
	if len(p.WhitelistedTokens) == 0 {
		return true
	}
	for _, t := range p.WhitelistedTokens {
		if t == token {
			return true
		}
	}
	return false
}

// Expired reports whether the grant is past its expiry at now.
func (p *Policy) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// SizeInRange reports whether qty is within [MinOrderSize, MaxOrderSize].
func (p *Policy) SizeInRange(qty *uint256.Int) bool {
	if qty.Gt(&p.MaxOrderSize) {
		return false
	}
	return p.MinOrderSize.IsZero() || !qty.Lt(&p.MinOrderSize)
}

// TradingLimits is the field group touched by UpdateTradingLimits.
type TradingLimits struct {
	MaxOrderSize     uint256.Int `json:"max_order_size"`
	MinOrderSize     uint256.Int `json:"min_order_size"`
	DailyVolumeLimit uint256.Int `json:"daily_volume_limit"`
	MaxSlippageBps   uint64      `json:"max_slippage_bps"`
}

func (l *TradingLimits) Apply(p *Policy) {
	p.MaxOrderSize = l.MaxOrderSize
	p.MinOrderSize = l.MinOrderSize
	p.DailyVolumeLimit = l.DailyVolumeLimit
	p.MaxSlippageBps = l.MaxSlippageBps
}

// BorrowingLimits is the field group touched by UpdateBorrowingLimits.
type BorrowingLimits struct {
	MinHealthFactor     uint256.Int `json:"min_health_factor"`
	MaxAutoBorrowAmount uint256.Int `json:"max_auto_borrow_amount"`
	MinDebtToRepay      uint256.Int `json:"min_debt_to_repay"`
}

func (l *BorrowingLimits) Apply(p *Policy) {
	p.MinHealthFactor = l.MinHealthFactor
	p.MaxAutoBorrowAmount = l.MaxAutoBorrowAmount
	p.MinDebtToRepay = l.MinDebtToRepay
}

// SafetyControls is the field group touched by UpdateSafetyControls.
type SafetyControls struct {
	MinTimeBetweenTrades uint64    `json:"min_time_between_trades"`
	MaxDailyDrawdown     uint64    `json:"max_daily_drawdown"`
	ExpiresAt            time.Time `json:"expires_at"`
}

func (s *SafetyControls) Apply(p *Policy) {
	p.MinTimeBetweenTrades = s.MinTimeBetweenTrades
	p.MaxDailyDrawdown = s.MaxDailyDrawdown
	p.ExpiresAt = s.ExpiresAt
}

// TokenLists is the field group touched by UpdateTokenLists.
type TokenLists struct {
	Whitelist []Address `json:"whitelist"`
	Blacklist []Address `json:"blacklist"`
}

func (l *TokenLists) Apply(p *Policy) {
	p.WhitelistedTokens = append([]Address(nil), l.Whitelist...)
	p.BlacklistedTokens = append([]Address(nil), l.Blacklist...)
}

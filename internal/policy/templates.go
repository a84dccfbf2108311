package policy

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	TemplateConservative = "conservative"
	TemplateModerate     = "moderate"
	TemplateAggressive   = "aggressive"
)

// Catalog holds the named policy presets. A template never changes after it
// is created; it can only be deactivated.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]domain.PolicyTemplate
	now       func() time.Time
}

// NewCatalog returns a catalog seeded with the built-in templates.
func NewCatalog(now func() time.Time) *Catalog {
	if now == nil {
		now = time.Now
	}
	c := &Catalog{templates: make(map[string]domain.PolicyTemplate), now: now}
	for _, t := range builtinTemplates() {
		t.CreatedAt = now().UTC()
		c.templates[t.Name] = t
	}
	return c
}

// Create adds a template. Names are unique for the life of the catalog.
func (c *Catalog) Create(t domain.PolicyTemplate) error {
	if t.Name == "" {
		return domain.ErrInvalidPolicy.Withf("template name is empty")
	}
	if err := t.Base.Validate(); err != nil {
		return fmt.Errorf("template %q: %w", t.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.templates[t.Name]; ok {
		return domain.ErrTemplateExists.Withf("%q", t.Name)
	}
	t.Base = t.Base.Clone()
	t.Base.RefreshDerived()
	t.Active = true
	t.CreatedAt = c.now().UTC()
	c.templates[t.Name] = t
	return nil
}

func (c *Catalog) Deactivate(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.templates[name]
	if !ok {
		return domain.ErrUnknownTemplate.Withf("%q", name)
	}
	t.Active = false
	c.templates[name] = t
	return nil
}

// Get returns an active template.
func (c *Catalog) Get(name string) (domain.PolicyTemplate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.templates[name]
	if !ok || !t.Active {
		return domain.PolicyTemplate{}, domain.ErrUnknownTemplate.Withf("%q", name)
	}
	t.Base = t.Base.Clone()
	return t, nil
}

// List returns every template, active or not, ordered by name.
func (c *Catalog) List() []domain.PolicyTemplate {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.PolicyTemplate, 0, len(c.templates))
	for _, t := range c.templates {
		t.Base = t.Base.Clone()
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// templateFile is the on-disk form. Amounts are decimal strings so that
// 256-bit values survive YAML; the health factor is a plain multiplier.
type templateFile struct {
	Templates []struct {
		Name                 string             `yaml:"name"`
		Description          string             `yaml:"description"`
		MaxOrderSize         string             `yaml:"max_order_size"`
		MinOrderSize         string             `yaml:"min_order_size"`
		DailyVolumeLimit     string             `yaml:"daily_volume_limit"`
		MinHealthFactor      string             `yaml:"min_health_factor"`
		MaxSlippageBps       uint64             `yaml:"max_slippage_bps"`
		MinTimeBetweenTrades uint64             `yaml:"min_time_between_trades"`
		MaxDailyDrawdown     uint64             `yaml:"max_daily_drawdown"`
		MaxAutoBorrowAmount  string             `yaml:"max_auto_borrow_amount"`
		MinDebtToRepay       string             `yaml:"min_debt_to_repay"`
		MinReputationScore   uint64             `yaml:"min_reputation_score"`
		Whitelist            []string           `yaml:"whitelist"`
		Blacklist            []string           `yaml:"blacklist"`
		Permissions          domain.Permissions `yaml:"permissions"`
	} `yaml:"templates"`
}

// LoadFile creates every template defined in a YAML file.
func (c *Catalog) LoadFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read templates: %w", err)
	}
	var f templateFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("parse templates %s: %w", path, err)
	}

	created := 0
	for _, t := range f.Templates {
		p := domain.Policy{
			MaxSlippageBps:       t.MaxSlippageBps,
			MinTimeBetweenTrades: t.MinTimeBetweenTrades,
			MaxDailyDrawdown:     t.MaxDailyDrawdown,
			Permissions:          t.Permissions,
		}
		p.Advanced.MinReputationScore = t.MinReputationScore

		amounts := []struct {
			dst *uint256.Int
			src string
		}{
			{&p.MaxOrderSize, t.MaxOrderSize},
			{&p.MinOrderSize, t.MinOrderSize},
			{&p.DailyVolumeLimit, t.DailyVolumeLimit},
			{&p.MaxAutoBorrowAmount, t.MaxAutoBorrowAmount},
			{&p.MinDebtToRepay, t.MinDebtToRepay},
		}
		for _, a := range amounts {
			if err := parseAmount(a.dst, a.src); err != nil {
				return created, fmt.Errorf("template %q: %w", t.Name, err)
			}
		}
		hf, err := ParseHealthFactor(t.MinHealthFactor)
		if err != nil {
			return created, fmt.Errorf("template %q: %w", t.Name, err)
		}
		p.MinHealthFactor = hf

		if p.WhitelistedTokens, err = parseAddresses(t.Whitelist); err != nil {
			return created, fmt.Errorf("template %q: %w", t.Name, err)
		}
		if p.BlacklistedTokens, err = parseAddresses(t.Blacklist); err != nil {
			return created, fmt.Errorf("template %q: %w", t.Name, err)
		}

		if err := c.Create(domain.PolicyTemplate{Name: t.Name, Description: t.Description, Base: p}); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func parseAmount(dst *uint256.Int, s string) error {
	if s == "" {
		dst.Clear()
		return nil
	}
	if err := dst.SetFromDecimal(s); err != nil {
		return fmt.Errorf("amount %q: %w", s, err)
	}
	return nil
}

func parseAddresses(in []string) ([]domain.Address, error) {
	out := make([]domain.Address, 0, len(in))
	for _, s := range in {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid token address %q", s)
		}
		out = append(out, common.HexToAddress(s))
	}
	return out, nil
}

// ParseHealthFactor turns a multiplier such as "1.5" into the 1e18 scale.
func ParseHealthFactor(s string) (uint256.Int, error) {
	var out uint256.Int
	if s == "" {
		return out, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return out, fmt.Errorf("health factor %q: %w", s, err)
	}
	if d.IsNegative() {
		return out, fmt.Errorf("health factor %q is negative", s)
	}
	v, overflow := uint256.FromBig(d.Shift(18).BigInt())
	if overflow {
		return out, fmt.Errorf("health factor %q overflows", s)
	}
	return *v, nil
}

// FormatHealthFactor renders a 1e18-scaled value as a multiplier; the
// no-debt sentinel prints as "inf".
func FormatHealthFactor(hf *uint256.Int) string {
	var ceiling uint256.Int
	if hf.Eq(ceiling.SetAllOne()) {
		return "inf"
	}
	return decimal.NewFromBigInt(hf.ToBig(), -18).StringFixed(4)
}

func units(n uint64) uint256.Int { return *uint256.NewInt(n) }

// healthFactorPct returns pct/100 in the 1e18 scale.
func healthFactorPct(pct uint64) uint256.Int {
	var out uint256.Int
	out.Mul(&domain.HealthFactorOne, uint256.NewInt(pct))
	out.Div(&out, uint256.NewInt(100))
	return out
}

func builtinTemplates() []domain.PolicyTemplate {
	trading := domain.Permissions{
		AllowMarketOrders:    true,
		AllowLimitOrders:     true,
		AllowSwap:            true,
		AllowPlaceLimitOrder: true,
		AllowCancelOrder:     true,
		AllowBuy:             true,
		AllowSell:            true,
	}

	moderate := trading
	moderate.AllowBorrow = true
	moderate.AllowRepay = true
	moderate.AllowSupplyCollateral = true
	moderate.AllowWithdrawCollateral = true

	aggressive := moderate
	aggressive.AllowAutoBorrow = true
	aggressive.AllowAutoRepay = true

	return []domain.PolicyTemplate{
		{
			Name:        TemplateConservative,
			Description: "Small spot orders, no leverage, long cooldown",
			Active:      true,
			Base: domain.Policy{
				MaxOrderSize:         units(1_000),
				DailyVolumeLimit:     units(5_000),
				Permissions:          trading,
				MinHealthFactor:      healthFactorPct(200),
				MaxSlippageBps:       100,
				MinTimeBetweenTrades: 300,
				MaxDailyDrawdown:     500,
				Advanced:             domain.AdvancedLimits{MinReputationScore: 70},
			},
		},
		{
			Name:        TemplateModerate,
			Description: "Spot and lending with a 1.5x health floor",
			Active:      true,
			Base: domain.Policy{
				MaxOrderSize:         units(10_000),
				DailyVolumeLimit:     units(100_000),
				Permissions:          moderate,
				MinHealthFactor:      healthFactorPct(150),
				MaxSlippageBps:       300,
				MinTimeBetweenTrades: 60,
				MaxDailyDrawdown:     1_000,
				Advanced:             domain.AdvancedLimits{MinReputationScore: 50},
			},
		},
		{
			Name:        TemplateAggressive,
			Description: "Large orders with auto-borrow and auto-repay",
			Active:      true,
			Base: domain.Policy{
				MaxOrderSize:        units(100_000),
				DailyVolumeLimit:    units(1_000_000),
				Permissions:         aggressive,
				MinHealthFactor:     healthFactorPct(120),
				MaxSlippageBps:      500,
				MaxDailyDrawdown:    2_000,
				MaxAutoBorrowAmount: units(50_000),
				MinDebtToRepay:      units(100),
				Advanced:            domain.AdvancedLimits{MinReputationScore: 30},
			},
		},
	}
}

package domain

import (
	"time"

	"github.com/holiman/uint256"
)

// PolicyTemplate is a named preset used to seed a policy at install time.
// Templates are immutable once created; they can only be deactivated.
type PolicyTemplate struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	Base        Policy    `json:"base"`
	CreatedAt   time.Time `json:"created_at"`
}

// Customization overrides template defaults. Zero and empty fields keep the
// template value.
type Customization struct {
	MaxOrderSize      uint256.Int `json:"max_order_size"`
	DailyVolumeLimit  uint256.Int `json:"daily_volume_limit"`
	ExpiresAt         time.Time   `json:"expires_at"`
	WhitelistedTokens []Address   `json:"whitelisted_tokens"`
}

// Apply returns the template base policy with the non-zero overrides applied.
func (c *Customization) Apply(base *Policy) Policy {
	p := base.Clone()
	if !c.MaxOrderSize.IsZero() {
		p.MaxOrderSize = c.MaxOrderSize
	}
	if !c.DailyVolumeLimit.IsZero() {
		p.DailyVolumeLimit = c.DailyVolumeLimit
	}
	if !c.ExpiresAt.IsZero() {
		p.ExpiresAt = c.ExpiresAt
	}
	if len(c.WhitelistedTokens) > 0 {
		p.WhitelistedTokens = append([]Address(nil), c.WhitelistedTokens...)
	}
	return p
}

package policy

import (
	"context"
	"strings"
	"time"

	"github.com/SmitUplenchwar2687/Bastion/internal/limiter"
)

// Tier is an organization subscription tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierBusiness   Tier = "business"
	TierEnterprise Tier = "enterprise"
)

// ParseTier normalizes s. Unknown values map to TierFree.
func ParseTier(s string) Tier {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierFree, TierPro, TierBusiness, TierEnterprise:
		return t
	default:
		return TierFree
	}
}

// TierLimits is the quota table entry for one tier. PerMinute is the figure
// enforced by default.
type TierLimits struct {
	PerHour     int `json:"per_hour" yaml:"per_hour"`
	PerMinute   int `json:"per_minute" yaml:"per_minute"`
	PerSecond   int `json:"per_second" yaml:"per_second"`
	Burst       int `json:"burst" yaml:"burst"`
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// Policy returns the per-minute policy for the tier.
func (l TierLimits) Policy() limiter.Policy {
	return limiter.Policy{Points: l.PerMinute, Duration: time.Minute}
}

// DefaultTiers is the built-in tier table.
func DefaultTiers() map[Tier]TierLimits {
	return map[Tier]TierLimits{
		TierFree:       {PerHour: 1000, PerMinute: 100, PerSecond: 10, Burst: 20, Concurrency: 5},
		TierPro:        {PerHour: 10000, PerMinute: 1000, PerSecond: 50, Burst: 100, Concurrency: 25},
		TierBusiness:   {PerHour: 100000, PerMinute: 5000, PerSecond: 200, Burst: 500, Concurrency: 100},
		TierEnterprise: {PerHour: 1000000, PerMinute: 20000, PerSecond: 1000, Burst: 2000, Concurrency: 500},
	}
}

// TierLookup resolves the tier of the organization a user belongs to.
// Lookups must be side-effect free.
type TierLookup interface {
	OrganizationTier(ctx context.Context, userID string) (Tier, error)
}

// StaticTiers is a TierLookup backed by a fixed map, for configuration
// driven deployments and tests.
type StaticTiers map[string]Tier

func (s StaticTiers) OrganizationTier(_ context.Context, userID string) (Tier, error) {
	if t, ok := s[userID]; ok {
		return t, nil
	}
	return TierFree, nil
}

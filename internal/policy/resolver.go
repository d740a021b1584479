// Package policy decides which rule applies to a request: a block, a deny
// or allow list entry, a bypass, an endpoint override or the tier default.
package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/SmitUplenchwar2687/Bastion/internal/blocklist"
	"github.com/SmitUplenchwar2687/Bastion/internal/limiter"
)

// MinBlockRetry is reported for blocks whose remaining time is unknown or
// unbounded.
const MinBlockRetry = 300 * time.Second

// Outcome is the kind of rule that matched.
type Outcome string

const (
	OutcomeBlocked Outcome = "blocked"
	OutcomeDenied  Outcome = "denied"
	OutcomeAllowed Outcome = "allowed"
	OutcomeBypass  Outcome = "bypass"
	OutcomeLimit   Outcome = "limit"
)

// Request is the resolved identity of an inbound request.
type Request struct {
	UserID   string
	Role     string
	IP       string
	APIKeyID string
	Path     string
	Country  string
}

// Key returns the identity a quota is charged to: the user when known,
// then the API key, then the client IP.
func (r Request) Key() limiter.Key {
	switch {
	case r.UserID != "":
		return limiter.Key{Scope: limiter.ScopeUser, Identifier: r.UserID}
	case r.APIKeyID != "":
		return limiter.Key{Scope: limiter.ScopeAPIKey, Identifier: r.APIKeyID}
	case r.IP != "":
		return limiter.Key{Scope: limiter.ScopeIP, Identifier: r.IP}
	default:
		return limiter.Key{Scope: limiter.ScopeIP, Identifier: limiter.UnknownIdentifier}
	}
}

// Resolution is the rule chosen for a request.
type Resolution struct {
	Outcome Outcome
	Key     limiter.Key

	// Populated for OutcomeLimit.
	Algorithm limiter.Algorithm
	Policy    limiter.Policy
	Tier      Tier
	// Source is "endpoint" or "tier".
	Source string

	// Populated for OutcomeBlocked and OutcomeDenied.
	Identifier string
	Reason     string
	RetryAfter time.Duration
}

// Config is the immutable rule set a Resolver is built from.
type Config struct {
	Tiers            map[Tier]TierLimits
	Endpoints        []EndpointOverride
	AllowList        []string
	DenyList         []string
	GeoBlocking      bool
	BlockedCountries []string
	BypassRoles      []string
	BypassTiers      []Tier
	DefaultAlgorithm limiter.Algorithm
	CacheSize        int
}

// DefaultConfig returns the built-in rule set.
func DefaultConfig() Config {
	return Config{
		Tiers:            DefaultTiers(),
		BypassRoles:      []string{"admin"},
		BypassTiers:      []Tier{TierBusiness, TierEnterprise},
		DefaultAlgorithm: limiter.AlgorithmTokenBucket,
	}
}

// Resolver applies a Config. It is safe for concurrent use.
type Resolver struct {
	blocks *blocklist.Registry
	tiers  TierLookup

	tierLimits       map[Tier]TierLimits
	endpoints        *endpointTable
	allow            *IPList
	deny             *IPList
	geoBlocking      bool
	blockedCountries map[string]struct{}
	bypassRoles      map[string]struct{}
	bypassTiers      map[Tier]struct{}
	algorithm        limiter.Algorithm
}

// NewResolver compiles cfg. blocks and tiers may be nil.
func NewResolver(cfg Config, blocks *blocklist.Registry, tiers TierLookup) (*Resolver, error) {
	r := &Resolver{
		blocks:           blocks,
		tiers:            tiers,
		tierLimits:       cfg.Tiers,
		geoBlocking:      cfg.GeoBlocking,
		blockedCountries: make(map[string]struct{}),
		bypassRoles:      make(map[string]struct{}),
		bypassTiers:      make(map[Tier]struct{}),
		algorithm:        cfg.DefaultAlgorithm,
	}

	if len(r.tierLimits) == 0 {
		r.tierLimits = DefaultTiers()
	}
	if _, ok := r.tierLimits[TierFree]; !ok {
		return nil, fmt.Errorf("tier table must define %q", TierFree)
	}
	for t, l := range r.tierLimits {
		if err := l.Policy().Validate(); err != nil {
			return nil, fmt.Errorf("tier %q: %w", t, err)
		}
	}

	if r.algorithm == "" {
		r.algorithm = limiter.AlgorithmTokenBucket
	}
	if _, err := limiter.ParseAlgorithm(string(r.algorithm)); err != nil {
		return nil, err
	}

	var err error
	if r.endpoints, err = compileEndpoints(cfg.Endpoints, cfg.CacheSize); err != nil {
		return nil, err
	}
	if r.allow, err = ParseIPList(cfg.AllowList); err != nil {
		return nil, fmt.Errorf("allow list: %w", err)
	}
	if r.deny, err = ParseIPList(cfg.DenyList); err != nil {
		return nil, fmt.Errorf("deny list: %w", err)
	}
	for _, c := range cfg.BlockedCountries {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			r.blockedCountries[c] = struct{}{}
		}
	}
	for _, role := range cfg.BypassRoles {
		r.bypassRoles[role] = struct{}{}
	}
	for _, t := range cfg.BypassTiers {
		r.bypassTiers[t] = struct{}{}
	}
	return r, nil
}

// Resolve picks the rule for req. It never fails: lookup errors fall back
// to the most conservative applicable rule.
func (r *Resolver) Resolve(ctx context.Context, req Request) Resolution {
	if res, ok := r.CheckBlocked(ctx, req); ok {
		return res
	}
	if res, ok := r.CheckDenied(req); ok {
		return res
	}
	return r.ResolveQuota(ctx, req)
}

// ResolveQuota applies the allow list, bypass rules, endpoint overrides and
// tier table, in that order. Callers that ran CheckBlocked and CheckDenied
// themselves use it to skip the repeated lookups.
func (r *Resolver) ResolveQuota(ctx context.Context, req Request) Resolution {
	key := req.Key()
	if r.allow.Contains(req.IP) {
		return Resolution{Outcome: OutcomeAllowed, Key: key}
	}

	var tier Tier
	if req.UserID != "" {
		if _, ok := r.bypassRoles[req.Role]; ok {
			return Resolution{Outcome: OutcomeBypass, Key: key, Reason: "role " + req.Role}
		}
		tier = r.lookupTier(ctx, req.UserID)
		if _, ok := r.bypassTiers[tier]; ok {
			return Resolution{Outcome: OutcomeBypass, Key: key, Tier: tier, Reason: "tier " + string(tier)}
		}
	} else {
		tier = TierFree
	}

	if o, ok := r.endpoints.lookup(req.Path); ok {
		p := o.Policy
		if p.KeyPrefix == "" {
			p.KeyPrefix = limiter.ScopeEndpoint + ":" + o.Pattern + ":" + key.Scope + ":" + p.Hash()
		}
		alg := o.Algorithm
		if alg == "" {
			alg = r.algorithm
		}
		return Resolution{Outcome: OutcomeLimit, Key: key, Algorithm: alg, Policy: p, Tier: tier, Source: "endpoint"}
	}

	limits, ok := r.tierLimits[tier]
	if !ok {
		limits = r.tierLimits[TierFree]
		tier = TierFree
	}
	return Resolution{Outcome: OutcomeLimit, Key: key, Algorithm: r.algorithm, Policy: limits.Policy(), Tier: tier, Source: "tier"}
}

// CheckBlocked reports a block on the request's IP, user or API key.
func (r *Resolver) CheckBlocked(ctx context.Context, req Request) (Resolution, bool) {
	if r.blocks == nil {
		return Resolution{}, false
	}
	for _, id := range []string{req.IP, req.UserID, req.APIKeyID} {
		if id == "" {
			continue
		}
		blocked, ttl := r.blocks.IsBlocked(ctx, id)
		if !blocked {
			continue
		}
		if ttl <= 0 {
			ttl = MinBlockRetry
		}
		return Resolution{
			Outcome:    OutcomeBlocked,
			Key:        req.Key(),
			Identifier: id,
			Reason:     "identity is blocked",
			RetryAfter: ttl,
		}, true
	}
	return Resolution{}, false
}

// CheckDenied reports a deny list or geo-block match.
func (r *Resolver) CheckDenied(req Request) (Resolution, bool) {
	if r.deny.Contains(req.IP) {
		return Resolution{Outcome: OutcomeDenied, Key: req.Key(), Identifier: req.IP, Reason: "IP address is denied"}, true
	}
	if r.geoBlocking && req.Country != "" {
		if _, ok := r.blockedCountries[strings.ToUpper(req.Country)]; ok {
			return Resolution{Outcome: OutcomeDenied, Key: req.Key(), Identifier: req.IP, Reason: "requests from this region are not accepted"}, true
		}
	}
	return Resolution{}, false
}

// Allowed reports whether ip is on the allow list.
func (r *Resolver) Allowed(ip string) bool {
	return r.allow.Contains(ip)
}

// TierPolicy returns the default policy for t, falling back to free.
func (r *Resolver) TierPolicy(t Tier) limiter.Policy {
	if l, ok := r.tierLimits[t]; ok {
		return l.Policy()
	}
	return r.tierLimits[TierFree].Policy()
}

func (r *Resolver) lookupTier(ctx context.Context, userID string) Tier {
	if r.tiers == nil {
		return TierFree
	}
	t, err := r.tiers.OrganizationTier(ctx, userID)
	if err != nil {
		klog.Warningf("tier lookup for user %q failed, using free tier: %v", userID, err)
		return TierFree
	}
	if _, ok := r.tierLimits[t]; !ok {
		klog.V(2).Infof("unknown tier %q for user %q, using free tier", t, userID)
		return TierFree
	}
	return t
}

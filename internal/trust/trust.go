// Package trust computes a 0..100 reputation score per identity from its
// request history and account facts, and scales rate limits with it.
package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	"github.com/SmitUplenchwar2687/Bastion/internal/clock"
	"github.com/SmitUplenchwar2687/Bastion/internal/limiter"
	"github.com/SmitUplenchwar2687/Bastion/internal/metrics"
	"github.com/SmitUplenchwar2687/Bastion/internal/store"
)

const (
	NeutralScore = 50.0
	MinScore     = 0.0
	MaxScore     = 100.0

	DefaultCacheTTL   = 5 * time.Minute
	DefaultCounterTTL = 24 * time.Hour
)

// Score contributions.
const (
	successWeight      = 0.1
	failureWeight      = -2.0
	violationWeight    = -10.0
	accountAgeBonus    = 5.0
	verifiedEmailBonus = 5.0
	paidTierBonus      = 10.0
	apiKeyUsageBonus   = 5.0

	accountAgeThresholdDays = 30
	apiKeyUsageThreshold    = 1000
)

// Level buckets a score.
type Level string

const (
	LevelVeryHigh Level = "very_high"
	LevelHigh     Level = "high"
	LevelMedium   Level = "medium"
	LevelLow      Level = "low"
	LevelVeryLow  Level = "very_low"
)

// Identity is the subject of a score.
type Identity struct {
	Scope string `json:"scope"`
	ID    string `json:"id"`
}

func (i Identity) String() string {
	return i.Scope + ":" + i.ID
}

// Factors are the inputs a score was computed from.
type Factors struct {
	SuccessCount   int64 `json:"success_count"`
	FailureCount   int64 `json:"failure_count"`
	ViolationCount int64 `json:"violation_count"`
	AccountAgeDays int   `json:"account_age_days"`
	VerifiedEmail  bool  `json:"verified_email"`
	PaidTier       bool  `json:"paid_tier"`
	APIKeyUsage    int64 `json:"api_key_usage"`
}

// Score is a computed trust score.
type Score struct {
	Score      float64   `json:"score"`
	Level      Level     `json:"level"`
	Multiplier float64   `json:"multiplier"`
	Factors    Factors   `json:"factors"`
	ComputedAt time.Time `json:"computed_at"`
}

// Account holds the business facts the score reads. It is looked up only
// when a score is recomputed, so it may be up to one cache TTL stale.
type Account struct {
	CreatedAt     time.Time
	VerifiedEmail bool
	PaidTier      bool
	APIKeyUsage   int64
}

// AccountDirectory looks up account facts. Implementations should return
// found=false for unknown identities rather than an error.
type AccountDirectory interface {
	Account(ctx context.Context, id Identity) (Account, bool, error)
}

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	CacheTTL   time.Duration
	CounterTTL time.Duration
}

// Engine computes, caches and applies trust scores.
type Engine struct {
	store    store.Store
	clock    clock.Clock
	limiter  *limiter.Engine
	accounts AccountDirectory
	metrics  *metrics.Metrics

	cacheTTL   time.Duration
	counterTTL time.Duration

	group singleflight.Group
}

// New creates an Engine. accounts and m may be nil.
func New(s store.Store, c clock.Clock, lim *limiter.Engine, accounts AccountDirectory, m *metrics.Metrics, cfg Config) *Engine {
	e := &Engine{
		store:      s,
		clock:      c,
		limiter:    lim,
		accounts:   accounts,
		metrics:    m,
		cacheTTL:   DefaultCacheTTL,
		counterTTL: DefaultCounterTTL,
	}
	if cfg.CacheTTL > 0 {
		e.cacheTTL = cfg.CacheTTL
	}
	if cfg.CounterTTL > 0 {
		e.counterTTL = cfg.CounterTTL
	}
	return e
}

// Neutral is the score used for new identities and whenever a score cannot
// be computed.
func Neutral(now time.Time) Score {
	return newScore(NeutralScore, Factors{}, now)
}

// LevelFor maps a score to its level and limit multiplier.
func LevelFor(score float64) (Level, float64) {
	switch {
	case score >= 80:
		return LevelVeryHigh, 2.0
	case score >= 60:
		return LevelHigh, 1.5
	case score >= 40:
		return LevelMedium, 1.0
	case score >= 20:
		return LevelLow, 0.5
	default:
		return LevelVeryLow, 0.25
	}
}

// Score returns the cached score for id or recomputes it. Errors yield the
// neutral score and are not cached.
func (e *Engine) Score(ctx context.Context, id Identity) Score {
	if s, ok := e.cached(ctx, id); ok {
		return s
	}

	v, err, _ := e.group.Do(id.String(), func() (any, error) {
		s, err := e.compute(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := e.store.SetWithTTL(ctx, cacheKey(id), mustJSON(s), e.cacheTTL); err != nil {
			klog.V(2).Infof("trust cache write for %s failed: %v", id, err)
		}
		return s, nil
	})
	if err != nil {
		klog.ErrorS(err, "Trust score unavailable, using neutral score", "event", "fail-open", "identity", id.String())
		e.metrics.FailOpen("trust")
		return Neutral(e.clock.Now())
	}
	return v.(Score)
}

// RecordSuccess counts a successful request.
func (e *Engine) RecordSuccess(ctx context.Context, id Identity) {
	e.record(ctx, "success", id)
}

// RecordFailure counts a failed request, such as a failed login.
func (e *Engine) RecordFailure(ctx context.Context, id Identity) {
	e.record(ctx, "failure", id)
}

// RecordViolation counts a rate limit violation.
func (e *Engine) RecordViolation(ctx context.Context, id Identity) {
	e.record(ctx, "violations", id)
}

// Invalidate drops the cached score for id.
func (e *Engine) Invalidate(ctx context.Context, id Identity) error {
	return e.store.Delete(ctx, cacheKey(id))
}

// ApplyAdaptiveLimit enforces baseLimit scaled by id's trust multiplier as
// a token bucket under the adaptive:{scope} namespace.
func (e *Engine) ApplyAdaptiveLimit(ctx context.Context, id Identity, baseLimit int, duration time.Duration) limiter.Decision {
	s := e.Score(ctx, id)
	return e.limiter.TokenBucket(ctx, limiter.Key{Scope: id.Scope, Identifier: id.ID}, AdaptivePolicy(id, baseLimit, duration, s))
}

// AdaptivePolicy scales baseLimit by the score's multiplier, never below 1.
func AdaptivePolicy(id Identity, baseLimit int, duration time.Duration, s Score) limiter.Policy {
	points := int(math.Floor(float64(baseLimit) * s.Multiplier))
	if points < 1 {
		points = 1
	}
	return limiter.Policy{
		Points:    points,
		Duration:  duration,
		KeyPrefix: "adaptive:" + id.Scope,
	}
}

func (e *Engine) cached(ctx context.Context, id Identity) (Score, bool) {
	raw, ok, err := e.store.Get(ctx, cacheKey(id))
	if err != nil || !ok {
		return Score{}, false
	}
	var s Score
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		klog.V(2).Infof("discarding malformed trust cache entry for %s: %v", id, err)
		return Score{}, false
	}
	return s, true
}

func (e *Engine) compute(ctx context.Context, id Identity) (Score, error) {
	var (
		f       Factors
		account Account
		found   bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		f.SuccessCount, err = e.counter(gctx, "success", id)
		return err
	})
	g.Go(func() (err error) {
		f.FailureCount, err = e.counter(gctx, "failure", id)
		return err
	})
	g.Go(func() (err error) {
		f.ViolationCount, err = e.counter(gctx, "violations", id)
		return err
	})
	if e.accounts != nil {
		g.Go(func() (err error) {
			account, found, err = e.accounts.Account(gctx, id)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Score{}, err
	}

	now := e.clock.Now()
	if found {
		if !account.CreatedAt.IsZero() {
			f.AccountAgeDays = int(now.Sub(account.CreatedAt).Hours() / 24)
		}
		f.VerifiedEmail = account.VerifiedEmail
		f.PaidTier = account.PaidTier
		f.APIKeyUsage = account.APIKeyUsage
	}

	score := NeutralScore +
		float64(f.SuccessCount)*successWeight +
		float64(f.FailureCount)*failureWeight +
		float64(f.ViolationCount)*violationWeight
	if id.Scope == limiter.ScopeUser && f.AccountAgeDays > accountAgeThresholdDays {
		score += accountAgeBonus
	}
	if f.VerifiedEmail {
		score += verifiedEmailBonus
	}
	if f.PaidTier {
		score += paidTierBonus
	}
	if f.APIKeyUsage > apiKeyUsageThreshold {
		score += apiKeyUsageBonus
	}

	return newScore(score, f, now), nil
}

func (e *Engine) counter(ctx context.Context, kind string, id Identity) (int64, error) {
	raw, ok, err := e.store.Get(ctx, counterKey(kind, id))
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s for %s: %w", kind, id, err)
	}
	return n, nil
}

func (e *Engine) record(ctx context.Context, kind string, id Identity) {
	if err := e.incr(ctx, counterKey(kind, id)); err != nil {
		klog.ErrorS(err, "Failed to record trust signal", "kind", kind, "identity", id.String())
		return
	}
	if err := e.Invalidate(ctx, id); err != nil {
		klog.ErrorS(err, "Failed to invalidate trust score", "identity", id.String())
	}
}

func (e *Engine) incr(ctx context.Context, key string) error {
	res, err := e.store.Exec(ctx, store.OpIncrBy(key, 1), store.OpTTL(key))
	if err != nil {
		return err
	}
	if res[1].TTL < 0 {
		return e.store.Expire(ctx, key, e.counterTTL)
	}
	return nil
}

func newScore(score float64, f Factors, now time.Time) Score {
	score = math.Max(MinScore, math.Min(MaxScore, score))
	level, mult := LevelFor(score)
	return Score{
		Score:      score,
		Level:      level,
		Multiplier: mult,
		Factors:    f,
		ComputedAt: now,
	}
}

func cacheKey(id Identity) string {
	return "trust:" + id.Scope + ":" + id.ID
}

func counterKey(kind string, id Identity) string {
	return "metrics:" + kind + ":" + id.Scope + ":" + id.ID
}

func mustJSON(s Score) string {
	raw, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("trust: encode score: %v", err))
	}
	return string(raw)
}

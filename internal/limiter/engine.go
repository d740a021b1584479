package limiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"github.com/SmitUplenchwar2687/Bastion/internal/clock"
	"github.com/SmitUplenchwar2687/Bastion/internal/metrics"
	"github.com/SmitUplenchwar2687/Bastion/internal/store"
)

// ErrUnsupported is returned by administrative operations an algorithm
// cannot express.
var ErrUnsupported = errors.New("operation not supported by algorithm")

// UnknownIdentifier replaces an empty identifier so requests without one
// still share a quota instead of bypassing it.
const UnknownIdentifier = "unknown"

// Engine evaluates rate limit policies against a shared store.
//
// Admission operations (Check, Consume and the per-algorithm methods) never
// return errors: when the store cannot be reached the request is admitted
// with Decision.Degraded set. Administrative operations return errors.
type Engine struct {
	store   store.Store
	clock   clock.Clock
	metrics *metrics.Metrics
}

// NewEngine creates an Engine. m may be nil.
func NewEngine(s store.Store, c clock.Clock, m *metrics.Metrics) (*Engine, error) {
	if s == nil {
		return nil, fmt.Errorf("store is required")
	}
	if c == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &Engine{store: s, clock: c, metrics: m}, nil
}

// Clock returns the engine's time source.
func (e *Engine) Clock() clock.Clock {
	return e.clock
}

// Check consumes one point from key under p.
func (e *Engine) Check(ctx context.Context, alg Algorithm, key Key, p Policy) Decision {
	return e.Consume(ctx, alg, key, 1, p)
}

// Consume charges points against key under p.
func (e *Engine) Consume(ctx context.Context, alg Algorithm, key Key, points int, p Policy) Decision {
	key = normalizeKey(key)
	if points <= 0 {
		points = 1
	}

	d, err := e.consume(ctx, alg, key, points, p)
	if err != nil {
		return e.failOpen(alg, key, p, err)
	}

	outcome := metrics.OutcomeAllowed
	if !d.Allowed {
		outcome = metrics.OutcomeRejected
	}
	e.metrics.Decision(string(alg), outcome)
	return d
}

func (e *Engine) consume(ctx context.Context, alg Algorithm, key Key, points int, p Policy) (Decision, error) {
	if err := p.Validate(); err != nil {
		return Decision{}, fmt.Errorf("invalid policy: %w", err)
	}

	now := e.clock.Now()
	if d, blocked, err := e.checkBlocked(ctx, alg, key, p, now); err != nil || blocked {
		return d, err
	}

	switch alg {
	case AlgorithmTokenBucket, AlgorithmLeakyBucket:
		return e.consumeCounter(ctx, alg, key, points, p, now)
	case AlgorithmSlidingWindow:
		return e.consumeSlidingWindow(ctx, key, points, p, now)
	case AlgorithmFixedWindow:
		return e.consumeFixedWindow(ctx, key, points, p, now)
	default:
		return Decision{}, fmt.Errorf("unknown algorithm %q", alg)
	}
}

// Get reports the state of key under p without consuming anything. An
// identity with no recorded state reports the full quota.
func (e *Engine) Get(ctx context.Context, alg Algorithm, key Key, p Policy) (Decision, error) {
	key = normalizeKey(key)
	if err := p.Validate(); err != nil {
		return Decision{}, err
	}

	now := e.clock.Now()
	if d, blocked, err := e.checkBlocked(ctx, alg, key, p, now); err != nil || blocked {
		return d, err
	}

	var (
		used    int64
		resetAt = now.Add(p.Duration)
	)
	switch alg {
	case AlgorithmTokenBucket, AlgorithmLeakyBucket, AlgorithmFixedWindow:
		k := counterKey(alg, key, p)
		if alg == AlgorithmFixedWindow {
			var windowEnd time.Time
			k, windowEnd = fixedWindowKey(key, p, now)
			resetAt = windowEnd
		}
		res, err := e.store.Exec(ctx, store.OpGet(k), store.OpTTL(k))
		if err != nil {
			return Decision{}, err
		}
		if res[0].Found {
			n, err := strconv.ParseInt(res[0].Value, 10, 64)
			if err != nil {
				return Decision{}, fmt.Errorf("counter %q: %w", k, err)
			}
			used = n
			if ttl := res[1].TTL; ttl > 0 && alg != AlgorithmFixedWindow {
				resetAt = now.Add(ttl)
			}
		}
	case AlgorithmSlidingWindow:
		n, err := e.store.ZCount(ctx, counterKey(alg, key, p), float64(windowStartMillis(now, p)+1), positiveInf)
		if err != nil {
			return Decision{}, err
		}
		used = n
	default:
		return Decision{}, fmt.Errorf("unknown algorithm %q", alg)
	}

	remaining := p.Points - int(used)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   remaining > 0,
		Limit:     p.Points,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Block rejects every request for key under p for d.
func (e *Engine) Block(ctx context.Context, alg Algorithm, key Key, p Policy, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("block duration must be positive, got %s", d)
	}
	key = normalizeKey(key)
	return e.store.SetWithTTL(ctx, blockedKey(alg, key, p), "1", d)
}

// Penalty charges extra points against key without an admission decision.
func (e *Engine) Penalty(ctx context.Context, alg Algorithm, key Key, p Policy, points int) error {
	if points <= 0 {
		return fmt.Errorf("penalty points must be positive, got %d", points)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	key = normalizeKey(key)
	now := e.clock.Now()

	switch alg {
	case AlgorithmTokenBucket, AlgorithmLeakyBucket:
		_, _, err := e.incrWithWindow(ctx, counterKey(alg, key, p), int64(points), p.Duration)
		return err
	case AlgorithmFixedWindow:
		k, windowEnd := fixedWindowKey(key, p, now)
		_, _, err := e.incrWithWindow(ctx, k, int64(points), windowEnd.Sub(now))
		return err
	case AlgorithmSlidingWindow:
		k := counterKey(alg, key, p)
		ops := make([]store.Op, 0, points+1)
		for _, m := range newMembers(now, points) {
			ops = append(ops, store.OpZAdd(k, float64(now.UnixMilli()), m))
		}
		ops = append(ops, store.OpExpire(k, p.Duration))
		_, err := e.store.Exec(ctx, ops...)
		return err
	default:
		return fmt.Errorf("unknown algorithm %q", alg)
	}
}

// Reward returns points to key. A counter that drops to zero is removed so
// the identity starts a fresh window.
func (e *Engine) Reward(ctx context.Context, alg Algorithm, key Key, p Policy, points int) error {
	if points <= 0 {
		return fmt.Errorf("reward points must be positive, got %d", points)
	}
	key = normalizeKey(key)

	var k string
	switch alg {
	case AlgorithmTokenBucket, AlgorithmLeakyBucket:
		k = counterKey(alg, key, p)
	case AlgorithmFixedWindow:
		k, _ = fixedWindowKey(key, p, e.clock.Now())
	case AlgorithmSlidingWindow:
		return fmt.Errorf("reward on %s: %w", alg, ErrUnsupported)
	default:
		return fmt.Errorf("unknown algorithm %q", alg)
	}

	res, err := e.store.Exec(ctx, store.OpGet(k))
	if err != nil {
		return err
	}
	if !res[0].Found {
		return nil
	}
	n, err := e.store.IncrBy(ctx, k, -int64(points))
	if err != nil {
		return err
	}
	if n <= 0 {
		return e.store.Delete(ctx, k)
	}
	return nil
}

// Delete clears all state for key under p, including a block.
func (e *Engine) Delete(ctx context.Context, alg Algorithm, key Key, p Policy) error {
	key = normalizeKey(key)
	k := counterKey(alg, key, p)
	if alg == AlgorithmFixedWindow {
		k, _ = fixedWindowKey(key, p, e.clock.Now())
	}
	return e.store.Delete(ctx, k, blockedKey(alg, key, p))
}

func (e *Engine) checkBlocked(ctx context.Context, alg Algorithm, key Key, p Policy, now time.Time) (Decision, bool, error) {
	ttl, err := e.store.TTL(ctx, blockedKey(alg, key, p))
	if err != nil {
		return Decision{}, false, err
	}
	switch {
	case ttl == store.TTLMissing:
		return Decision{}, false, nil
	case ttl <= 0:
		// A block without expiry never comes from Block; treat it as one
		// quota period.
		ttl = p.Duration
	}
	return Decision{
		Allowed:    false,
		Limit:      p.Points,
		Remaining:  0,
		ResetAt:    now.Add(ttl),
		RetryAfter: ttl,
	}, true, nil
}

// reject builds a rejection, writing a block when p asks for one.
func (e *Engine) reject(ctx context.Context, alg Algorithm, key Key, p Policy, now time.Time, retryAfter time.Duration) (Decision, error) {
	if p.BlockDuration > 0 {
		if err := e.store.SetWithTTL(ctx, blockedKey(alg, key, p), "1", p.BlockDuration); err != nil {
			return Decision{}, err
		}
		retryAfter = p.BlockDuration
	}
	return Decision{
		Allowed:    false,
		Limit:      p.Points,
		Remaining:  0,
		ResetAt:    now.Add(retryAfter),
		RetryAfter: retryAfter,
	}, nil
}

// incrWithWindow increments k and makes sure it carries a TTL. Only the
// first writer, or a caller finding the key without expiry, sets it.
func (e *Engine) incrWithWindow(ctx context.Context, k string, delta int64, window time.Duration) (int64, time.Duration, error) {
	res, err := e.store.Exec(ctx, store.OpIncrBy(k, delta), store.OpTTL(k))
	if err != nil {
		return 0, 0, err
	}
	count, ttl := res[0].Int, res[1].TTL
	if ttl < 0 {
		if err := e.store.Expire(ctx, k, window); err != nil {
			return 0, 0, err
		}
		ttl = window
	}
	return count, ttl, nil
}

func (e *Engine) failOpen(alg Algorithm, key Key, p Policy, err error) Decision {
	klog.ErrorS(err, "Rate limit check failed, admitting request", "event", "fail-open", "algorithm", alg, "key", key.String())
	e.metrics.FailOpen("limiter")
	e.metrics.Decision(string(alg), metrics.OutcomeDegraded)

	limit := p.Points
	if limit < 0 {
		limit = 0
	}
	window := p.Duration
	if window <= 0 {
		window = time.Second
	}
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		ResetAt:   e.clock.Now().Add(window),
		Degraded:  true,
	}
}

func normalizeKey(k Key) Key {
	if k.Identifier == "" {
		k.Identifier = UnknownIdentifier
	}
	if k.Scope == "" {
		k.Scope = ScopeCustom
	}
	return k
}

func namespace(alg Algorithm) string {
	switch alg {
	case AlgorithmTokenBucket:
		return "rl"
	case AlgorithmLeakyBucket:
		return "lb"
	case AlgorithmSlidingWindow:
		return "sliding_window"
	case AlgorithmFixedWindow:
		return "fw"
	default:
		return string(alg)
	}
}

func counterKey(alg Algorithm, key Key, p Policy) string {
	return namespace(alg) + ":" + p.prefix(key) + ":" + key.Identifier
}

// blockedKey lives in its own namespace so no identifier can alias another
// identity's block marker.
func blockedKey(alg Algorithm, key Key, p Policy) string {
	return namespace(alg) + "_blocked:" + p.prefix(key) + ":" + key.Identifier
}

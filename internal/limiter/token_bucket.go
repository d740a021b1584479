package limiter

import (
	"context"
	"time"
)

// TokenBucket admits bursts of up to p.Points within any p.Duration.
//
// The bucket is a counter whose TTL is started by the first request of a
// period; when the TTL lapses the bucket is full again. Once the counter
// passes p.Points the request is rejected and, if p.BlockDuration is set,
// the identity is blocked for that long.
//
// This is the default strategy for per-user and per-IP limits.
func (e *Engine) TokenBucket(ctx context.Context, key Key, p Policy) Decision {
	return e.Check(ctx, AlgorithmTokenBucket, key, p)
}

// LeakyBucket shares the token bucket's counter semantics under its own
// "lb:" key family, so the two never drain each other.
func (e *Engine) LeakyBucket(ctx context.Context, key Key, p Policy) Decision {
	return e.Check(ctx, AlgorithmLeakyBucket, key, p)
}

func (e *Engine) consumeCounter(ctx context.Context, alg Algorithm, key Key, points int, p Policy, now time.Time) (Decision, error) {
	count, ttl, err := e.incrWithWindow(ctx, counterKey(alg, key, p), int64(points), p.Duration)
	if err != nil {
		return Decision{}, err
	}

	if count > int64(p.Points) {
		return e.reject(ctx, alg, key, p, now, ttl)
	}

	return Decision{
		Allowed:   true,
		Limit:     p.Points,
		Remaining: p.Points - int(count),
		ResetAt:   now.Add(ttl),
	}, nil
}

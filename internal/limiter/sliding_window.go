package limiter

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/SmitUplenchwar2687/Bastion/internal/store"
)

var (
	negativeInf = math.Inf(-1)
	positiveInf = math.Inf(1)
)

// SlidingWindow keeps a log of admitted request timestamps and admits a
// request only if fewer than p.Points were admitted in the preceding
// p.Duration. There is no boundary burst.
//
// Prune, add and count run as one atomic batch. When the count comes back
// over the limit the entry just added is removed again, so a concurrent
// caller can at worst be rejected while that entry briefly exists; the
// window never admits more than p.Points.
func (e *Engine) SlidingWindow(ctx context.Context, key Key, p Policy) Decision {
	return e.Check(ctx, AlgorithmSlidingWindow, key, p)
}

func (e *Engine) consumeSlidingWindow(ctx context.Context, key Key, points int, p Policy, now time.Time) (Decision, error) {
	k := counterKey(AlgorithmSlidingWindow, key, p)
	score := float64(now.UnixMilli())
	members := newMembers(now, points)

	ops := make([]store.Op, 0, points+3)
	ops = append(ops, store.OpZRemRangeByScore(k, negativeInf, float64(windowStartMillis(now, p))))
	for _, m := range members {
		ops = append(ops, store.OpZAdd(k, score, m))
	}
	ops = append(ops, store.OpZCard(k), store.OpExpire(k, p.Duration))

	res, err := e.store.Exec(ctx, ops...)
	if err != nil {
		return Decision{}, err
	}
	count := res[len(res)-2].Int

	if count > int64(p.Points) {
		undo := make([]store.Op, len(members))
		for i, m := range members {
			undo[i] = store.OpZRem(k, m)
		}
		if _, err := e.store.Exec(ctx, undo...); err != nil {
			return Decision{}, err
		}
		return e.reject(ctx, AlgorithmSlidingWindow, key, p, now, p.Duration)
	}

	return Decision{
		Allowed:   true,
		Limit:     p.Points,
		Remaining: p.Points - int(count),
		ResetAt:   now.Add(p.Duration),
	}, nil
}

// windowStartMillis is the newest score that has fallen out of the window.
func windowStartMillis(now time.Time, p Policy) int64 {
	return now.UnixMilli() - p.Duration.Milliseconds()
}

func newMembers(now time.Time, n int) []string {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	members := make([]string, n)
	for i := range members {
		members[i] = ts + ":" + uuid.NewString()
	}
	return members
}

package limiter

import (
	"context"
	"strconv"
	"time"
)

// FixedWindow counts requests per wall-clock window of p.Duration. The
// counter key carries the window id and expires at the window boundary.
//
// Simple and cheap, but a client can spend a full quota at the end of one
// window and another at the start of the next.
func (e *Engine) FixedWindow(ctx context.Context, key Key, p Policy) Decision {
	return e.Check(ctx, AlgorithmFixedWindow, key, p)
}

func (e *Engine) consumeFixedWindow(ctx context.Context, key Key, points int, p Policy, now time.Time) (Decision, error) {
	k, windowEnd := fixedWindowKey(key, p, now)
	untilEnd := windowEnd.Sub(now)

	count, _, err := e.incrWithWindow(ctx, k, int64(points), untilEnd)
	if err != nil {
		return Decision{}, err
	}

	if count > int64(p.Points) {
		return e.reject(ctx, AlgorithmFixedWindow, key, p, now, untilEnd)
	}

	return Decision{
		Allowed:   true,
		Limit:     p.Points,
		Remaining: p.Points - int(count),
		ResetAt:   windowEnd,
	}, nil
}

// fixedWindowKey returns the counter key for the window containing now and
// the time that window ends.
func fixedWindowKey(key Key, p Policy, now time.Time) (string, time.Time) {
	id := now.UnixNano() / int64(p.Duration)
	end := time.Unix(0, (id+1)*int64(p.Duration)).In(now.Location())
	k := "fw:" + p.prefix(key) + ":" + strconv.FormatInt(id, 10) + ":" + key.Identifier
	return k, end
}

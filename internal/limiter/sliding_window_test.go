package limiter

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSlidingWindow_BasicAllow(t *testing.T) {
	e, _, _ := newTestEngine(t)
	p := Policy{Points: 5, Duration: time.Minute}

	d := e.SlidingWindow(ctx, userKey, p)
	if !d.Allowed {
		t.Error("first request should be allowed")
	}
	if d.Remaining != 4 {
		t.Errorf("Remaining = %d, want 4", d.Remaining)
	}
	if d.Limit != 5 {
		t.Errorf("Limit = %d, want 5", d.Limit)
	}
}

func TestSlidingWindow_ExhaustLimit(t *testing.T) {
	e, _, _ := newTestEngine(t)
	p := Policy{Points: 3, Duration: time.Minute}

	for i := 0; i < 3; i++ {
		if d := e.SlidingWindow(ctx, userKey, p); !d.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	d := e.SlidingWindow(ctx, userKey, p)
	if d.Allowed {
		t.Error("4th request should be denied")
	}
	if d.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", d.Remaining)
	}
	if d.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %v, want 1m", d.RetryAfter)
	}
}

func TestSlidingWindow_RejectionsAreNotLogged(t *testing.T) {
	e, _, s := newTestEngine(t)
	p := Policy{Points: 2, Duration: time.Minute}

	for i := 0; i < 5; i++ {
		e.SlidingWindow(ctx, userKey, p)
	}

	n, err := s.ZCard(ctx, counterKey(AlgorithmSlidingWindow, userKey, p))
	if err != nil {
		t.Fatalf("ZCard() error = %v", err)
	}
	if n != 2 {
		t.Errorf("log size = %d, want 2", n)
	}
}

func TestSlidingWindow_SlidingBehavior(t *testing.T) {
	e, vc, _ := newTestEngine(t)
	p := Policy{Points: 3, Duration: time.Minute}

	e.SlidingWindow(ctx, userKey, p)
	vc.Advance(30 * time.Second)
	e.SlidingWindow(ctx, userKey, p)
	e.SlidingWindow(ctx, userKey, p)

	if d := e.SlidingWindow(ctx, userKey, p); d.Allowed {
		t.Fatal("should be denied at limit")
	}

	// The first request leaves the window; the other two remain.
	vc.Advance(30 * time.Second)
	d := e.SlidingWindow(ctx, userKey, p)
	if !d.Allowed {
		t.Fatal("should be allowed once the oldest entry slides out")
	}
	if d.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", d.Remaining)
	}
	if d := e.SlidingWindow(ctx, userKey, p); d.Allowed {
		t.Error("window should be full again")
	}
}

// A fixed window admits a full quota on each side of a boundary; the
// sliding window does not.
func TestSlidingWindow_NoBoundaryBurst(t *testing.T) {
	e, vc, _ := newTestEngine(t)
	p := Policy{Points: 10, Duration: time.Minute}
	fixedKey := Key{Scope: ScopeUser, Identifier: "fixed"}
	slidingKey := Key{Scope: ScopeUser, Identifier: "sliding"}

	vc.Set(epoch.Add(59 * time.Second))
	fixedAllowed, slidingAllowed := 0, 0
	for i := 0; i < 10; i++ {
		if e.FixedWindow(ctx, fixedKey, p).Allowed {
			fixedAllowed++
		}
		if e.SlidingWindow(ctx, slidingKey, p).Allowed {
			slidingAllowed++
		}
	}

	vc.Set(epoch.Add(61 * time.Second))
	for i := 0; i < 10; i++ {
		if e.FixedWindow(ctx, fixedKey, p).Allowed {
			fixedAllowed++
		}
		if e.SlidingWindow(ctx, slidingKey, p).Allowed {
			slidingAllowed++
		}
	}

	if fixedAllowed != 20 {
		t.Errorf("fixed window admitted %d across the boundary, want 20", fixedAllowed)
	}
	if slidingAllowed != 10 {
		t.Errorf("sliding window admitted %d in 2s, want 10", slidingAllowed)
	}
}

func TestSlidingWindow_ConcurrentNeverOverAdmits(t *testing.T) {
	e, _, _ := newTestEngine(t)
	p := Policy{Points: 20, Duration: time.Minute}

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.SlidingWindow(ctx, userKey, p).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	got := allowed.Load()
	if got > 20 {
		t.Errorf("allowed = %d, must not exceed 20", got)
	}
	if got == 0 {
		t.Error("allowed = 0, want some admissions")
	}
}

package limiter

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SmitUplenchwar2687/Bastion/internal/clock"
	"github.com/SmitUplenchwar2687/Bastion/internal/metrics"
	"github.com/SmitUplenchwar2687/Bastion/internal/store/storetest"
)

func TestNewEngine_Validation(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	if _, err := NewEngine(nil, vc, nil); err == nil {
		t.Error("NewEngine(nil store) expected error")
	}
	if _, err := NewEngine(storetest.Unavailable{}, nil, nil); err == nil {
		t.Error("NewEngine(nil clock) expected error")
	}
}

func TestEngine_FailOpen(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	e, err := NewEngine(storetest.Unavailable{}, vc, metrics.New(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	p := Policy{Points: 7, Duration: time.Minute}

	for _, alg := range Algorithms {
		t.Run(string(alg), func(t *testing.T) {
			d := e.Check(ctx, alg, userKey, p)
			if !d.Allowed {
				t.Fatal("unreachable store must fail open")
			}
			if !d.Degraded {
				t.Error("Degraded = false, want true")
			}
			if d.Remaining != 7 || d.Limit != 7 {
				t.Errorf("Remaining/Limit = %d/%d, want 7/7", d.Remaining, d.Limit)
			}
			if !d.ResetAt.After(vc.Now()) {
				t.Errorf("ResetAt %v not after now", d.ResetAt)
			}
		})
	}
}

func TestEngine_InvalidPolicyFailsOpen(t *testing.T) {
	e, _, _ := newTestEngine(t)

	d := e.Check(ctx, AlgorithmTokenBucket, userKey, Policy{Points: 0, Duration: time.Minute})
	if !d.Allowed || !d.Degraded {
		t.Errorf("invalid policy: Allowed = %v, Degraded = %v", d.Allowed, d.Degraded)
	}
}

func TestEngine_EmptyIdentifierSharesUnknownQuota(t *testing.T) {
	e, _, _ := newTestEngine(t)
	p := Policy{Points: 1, Duration: time.Minute}

	e.TokenBucket(ctx, Key{Scope: ScopeIP}, p)
	if d := e.TokenBucket(ctx, Key{Scope: ScopeIP, Identifier: UnknownIdentifier}, p); d.Allowed {
		t.Error("empty identifier should be charged to the unknown identity")
	}
}

func TestEngine_Consume(t *testing.T) {
	e, _, _ := newTestEngine(t)
	p := Policy{Points: 10, Duration: time.Minute}

	for _, alg := range Algorithms {
		key := Key{Scope: ScopeAPIKey, Identifier: string(alg)}
		d := e.Consume(ctx, alg, key, 4, p)
		if !d.Allowed || d.Remaining != 6 {
			t.Errorf("%s: Consume(4) Allowed = %v, Remaining = %d", alg, d.Allowed, d.Remaining)
		}
		d = e.Consume(ctx, alg, key, 7, p)
		if d.Allowed {
			t.Errorf("%s: Consume(7) with 6 remaining should be rejected", alg)
		}
	}
}

func TestEngine_GetDoesNotConsume(t *testing.T) {
	e, _, _ := newTestEngine(t)
	p := Policy{Points: 5, Duration: time.Minute}

	for _, alg := range Algorithms {
		key := Key{Scope: ScopeUser, Identifier: string(alg)}

		d, err := e.Get(ctx, alg, key, p)
		if err != nil {
			t.Fatalf("%s: Get() error = %v", alg, err)
		}
		if d.Remaining != 5 || !d.Allowed {
			t.Errorf("%s: fresh Get() Remaining = %d, want 5", alg, d.Remaining)
		}

		e.Check(ctx, alg, key, p)
		e.Check(ctx, alg, key, p)
		for i := 0; i < 3; i++ {
			d, _ = e.Get(ctx, alg, key, p)
			if d.Remaining != 3 {
				t.Errorf("%s: Get() Remaining = %d, want 3", alg, d.Remaining)
			}
		}
	}
}

func TestEngine_BlockAndDelete(t *testing.T) {
	e, vc, _ := newTestEngine(t)
	p := Policy{Points: 5, Duration: time.Minute}

	if err := e.Block(ctx, AlgorithmSlidingWindow, userKey, p, 0); err == nil {
		t.Error("Block(0) expected error")
	}
	if err := e.Block(ctx, AlgorithmSlidingWindow, userKey, p, 10*time.Second); err != nil {
		t.Fatalf("Block() error = %v", err)
	}

	d := e.SlidingWindow(ctx, userKey, p)
	if d.Allowed || d.RetryAfter != 10*time.Second {
		t.Errorf("blocked: Allowed = %v, RetryAfter = %v", d.Allowed, d.RetryAfter)
	}
	peek, _ := e.Get(ctx, AlgorithmSlidingWindow, userKey, p)
	if peek.Allowed {
		t.Error("Get() should report the block")
	}

	if err := e.Delete(ctx, AlgorithmSlidingWindow, userKey, p); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if d := e.SlidingWindow(ctx, userKey, p); !d.Allowed {
		t.Error("Delete() should clear the block")
	}

	vc.Advance(time.Second)
	if d, _ := e.Get(ctx, AlgorithmSlidingWindow, userKey, p); d.Remaining != 4 {
		t.Errorf("Remaining = %d, want 4", d.Remaining)
	}
}

func TestEngine_IdentifierCannotForgeBlock(t *testing.T) {
	e, _, _ := newTestEngine(t)
	p := Policy{Points: 5, Duration: time.Minute}
	victim := Key{Scope: ScopeIP, Identifier: "198.51.100.7"}
	forger := Key{Scope: ScopeIP, Identifier: "blocked:198.51.100.7"}

	for _, alg := range Algorithms {
		if d := e.Check(ctx, alg, forger, p); !d.Allowed {
			t.Fatalf("%s: forger Check() rejected", alg)
		}
		d, err := e.Get(ctx, alg, victim, p)
		if err != nil {
			t.Fatalf("%s: Get() error = %v", alg, err)
		}
		if !d.Allowed || d.Remaining != 5 {
			t.Errorf("%s: victim Allowed = %v, Remaining = %d, want untouched", alg, d.Allowed, d.Remaining)
		}
	}
}

func TestEngine_PenaltyAndReward(t *testing.T) {
	e, _, _ := newTestEngine(t)
	p := Policy{Points: 10, Duration: time.Minute}

	if err := e.Penalty(ctx, AlgorithmTokenBucket, userKey, p, 4); err != nil {
		t.Fatalf("Penalty() error = %v", err)
	}
	d, _ := e.Get(ctx, AlgorithmTokenBucket, userKey, p)
	if d.Remaining != 6 {
		t.Errorf("after penalty Remaining = %d, want 6", d.Remaining)
	}

	if err := e.Reward(ctx, AlgorithmTokenBucket, userKey, p, 2); err != nil {
		t.Fatalf("Reward() error = %v", err)
	}
	d, _ = e.Get(ctx, AlgorithmTokenBucket, userKey, p)
	if d.Remaining != 8 {
		t.Errorf("after reward Remaining = %d, want 8", d.Remaining)
	}

	if err := e.Reward(ctx, AlgorithmTokenBucket, userKey, p, 50); err != nil {
		t.Fatalf("Reward() error = %v", err)
	}
	d, _ = e.Get(ctx, AlgorithmTokenBucket, userKey, p)
	if d.Remaining != 10 {
		t.Errorf("over-reward Remaining = %d, want 10", d.Remaining)
	}

	if err := e.Penalty(ctx, AlgorithmSlidingWindow, userKey, p, 3); err != nil {
		t.Fatalf("sliding Penalty() error = %v", err)
	}
	d, _ = e.Get(ctx, AlgorithmSlidingWindow, userKey, p)
	if d.Remaining != 7 {
		t.Errorf("sliding after penalty Remaining = %d, want 7", d.Remaining)
	}
	if err := e.Reward(ctx, AlgorithmSlidingWindow, userKey, p, 1); !errors.Is(err, ErrUnsupported) {
		t.Errorf("sliding Reward() error = %v, want ErrUnsupported", err)
	}

	if err := e.Penalty(ctx, AlgorithmTokenBucket, userKey, p, 0); err == nil {
		t.Error("Penalty(0) expected error")
	}
}

func TestEngine_UnknownAlgorithmFailsOpen(t *testing.T) {
	e, _, _ := newTestEngine(t)
	p := Policy{Points: 5, Duration: time.Minute}

	if d := e.Check(ctx, Algorithm("gcra"), userKey, p); !d.Degraded {
		t.Error("unknown algorithm should fail open")
	}
	if _, err := e.Get(ctx, Algorithm("gcra"), userKey, p); err == nil {
		t.Error("Get() with unknown algorithm expected error")
	}
}

package limiter

import (
	"testing"
	"time"
)

func TestParseAlgorithm(t *testing.T) {
	for _, a := range Algorithms {
		got, err := ParseAlgorithm(string(a))
		if err != nil || got != a {
			t.Errorf("ParseAlgorithm(%q) = %q, %v", a, got, err)
		}
	}
	if _, err := ParseAlgorithm("gcra"); err == nil {
		t.Error("ParseAlgorithm(gcra) expected error")
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		p       Policy
		wantErr bool
	}{
		{"valid", Policy{Points: 1, Duration: time.Second}, false},
		{"zero points", Policy{Points: 0, Duration: time.Second}, true},
		{"zero duration", Policy{Points: 1}, true},
		{"negative block", Policy{Points: 1, Duration: time.Second, BlockDuration: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.p.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPolicy_Hash(t *testing.T) {
	a := Policy{Points: 100, Duration: time.Minute}
	b := Policy{Points: 100, Duration: time.Minute, KeyPrefix: "custom"}
	c := Policy{Points: 100, Duration: time.Hour}

	if a.Hash() != b.Hash() {
		t.Error("KeyPrefix must not change the hash")
	}
	if a.Hash() == c.Hash() {
		t.Error("different durations must hash differently")
	}
}

func TestPolicy_Prefix(t *testing.T) {
	p := Policy{Points: 1, Duration: time.Second}
	k := Key{Scope: ScopeIP, Identifier: "1.2.3.4"}

	if got, want := p.prefix(k), "ip:"+p.Hash(); got != want {
		t.Errorf("prefix() = %q, want %q", got, want)
	}
	p.KeyPrefix = "adaptive:user"
	if got := p.prefix(k); got != "adaptive:user" {
		t.Errorf("prefix() = %q, want adaptive:user", got)
	}
	if got := counterKey(AlgorithmTokenBucket, k, p); got != "rl:adaptive:user:1.2.3.4" {
		t.Errorf("counterKey() = %q", got)
	}
	if got := blockedKey(AlgorithmTokenBucket, k, p); got != "rl_blocked:adaptive:user:1.2.3.4" {
		t.Errorf("blockedKey() = %q", got)
	}
}

func TestBlockedKey_NoIdentifierAliasing(t *testing.T) {
	p := Policy{Points: 5, Duration: time.Minute}
	plain := Key{Scope: ScopeIP, Identifier: "x"}
	tricky := Key{Scope: ScopeIP, Identifier: "blocked:x"}

	for _, alg := range []Algorithm{AlgorithmTokenBucket, AlgorithmLeakyBucket, AlgorithmSlidingWindow, AlgorithmFixedWindow} {
		if counterKey(alg, tricky, p) == blockedKey(alg, plain, p) {
			t.Errorf("%s: counter key for %q equals block key for %q", alg, tricky.Identifier, plain.Identifier)
		}
	}
}

func TestDecision_RetryAfterSeconds(t *testing.T) {
	tests := []struct {
		d    Decision
		want int
	}{
		{Decision{Allowed: true}, 0},
		{Decision{Allowed: false}, 1},
		{Decision{RetryAfter: 1500 * time.Millisecond}, 2},
		{Decision{RetryAfter: 300 * time.Second}, 300},
	}
	for _, tt := range tests {
		if got := tt.d.RetryAfterSeconds(); got != tt.want {
			t.Errorf("RetryAfterSeconds(%v) = %d, want %d", tt.d.RetryAfter, got, tt.want)
		}
	}
}

func TestBound_Allow(t *testing.T) {
	e, _, _ := newTestEngine(t)

	if _, err := NewBound(nil, AlgorithmTokenBucket, ScopeIP, Policy{Points: 1, Duration: time.Second}); err == nil {
		t.Error("NewBound(nil engine) expected error")
	}
	if _, err := NewBound(e, "gcra", ScopeIP, Policy{Points: 1, Duration: time.Second}); err == nil {
		t.Error("NewBound(unknown algorithm) expected error")
	}
	if _, err := NewBound(e, AlgorithmTokenBucket, ScopeIP, Policy{}); err == nil {
		t.Error("NewBound(invalid policy) expected error")
	}

	var lim Limiter
	b, err := NewBound(e, AlgorithmFixedWindow, ScopeIP, Policy{Points: 2, Duration: time.Minute})
	if err != nil {
		t.Fatalf("NewBound() error = %v", err)
	}
	lim = b

	lim.Allow(ctx, "1.2.3.4")
	lim.Allow(ctx, "1.2.3.4")
	if d := lim.Allow(ctx, "1.2.3.4"); d.Allowed {
		t.Error("3rd request should be rejected")
	}
	if d := lim.Allow(ctx, "5.6.7.8"); !d.Allowed {
		t.Error("other identifier should be allowed")
	}
}

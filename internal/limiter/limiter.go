// Package limiter is the algorithm engine. Every strategy keeps its state in
// a store.Store, so any number of stateless processes sharing one store make
// the same decisions.
package limiter

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Algorithm identifies a rate limiting algorithm.
type Algorithm string

const (
	AlgorithmTokenBucket   Algorithm = "token_bucket"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmFixedWindow   Algorithm = "fixed_window"
	AlgorithmLeakyBucket   Algorithm = "leaky_bucket"
)

// Algorithms lists every supported algorithm.
var Algorithms = []Algorithm{
	AlgorithmTokenBucket,
	AlgorithmSlidingWindow,
	AlgorithmFixedWindow,
	AlgorithmLeakyBucket,
}

// ParseAlgorithm validates s as an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	for _, a := range Algorithms {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown algorithm %q", s)
}

// Identity scopes.
const (
	ScopeUser     = "user"
	ScopeIP       = "ip"
	ScopeAPIKey   = "apikey"
	ScopeEndpoint = "endpoint"
	ScopeCustom   = "custom"
)

// Limiter is the core rate limiting interface.
type Limiter interface {
	// Allow checks if a request identified by key is allowed.
	Allow(ctx context.Context, key string) Decision
}

// Key names the identity a quota is charged to.
type Key struct {
	Scope      string `json:"scope"`
	Identifier string `json:"identifier"`
}

func (k Key) String() string {
	return k.Scope + ":" + k.Identifier
}

// Policy is an immutable quota: Points per Duration, with an optional
// BlockDuration applied once the quota is exceeded.
type Policy struct {
	Points        int           `json:"points" yaml:"points"`
	Duration      time.Duration `json:"duration" yaml:"duration"`
	BlockDuration time.Duration `json:"block_duration,omitempty" yaml:"block_duration,omitempty"`
	// KeyPrefix overrides the default "{scope}:{hash}" namespace.
	KeyPrefix string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
}

// Validate reports whether p can be enforced.
func (p Policy) Validate() error {
	if p.Points <= 0 {
		return fmt.Errorf("points must be positive, got %d", p.Points)
	}
	if p.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %s", p.Duration)
	}
	if p.BlockDuration < 0 {
		return fmt.Errorf("block_duration must not be negative, got %s", p.BlockDuration)
	}
	return nil
}

// Hash fingerprints the enforcement parameters, so two policies on the same
// identity never share counters.
func (p Policy) Hash() string {
	h := xxhash.New()
	_, _ = h.WriteString(strconv.Itoa(p.Points))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.FormatInt(p.Duration.Milliseconds(), 10))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.FormatInt(p.BlockDuration.Milliseconds(), 10))
	return strconv.FormatUint(h.Sum64(), 16)
}

func (p Policy) prefix(k Key) string {
	if p.KeyPrefix != "" {
		return p.KeyPrefix
	}
	return k.Scope + ":" + p.Hash()
}

// Decision captures the result of a rate limit check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// RetryAfter is set on rejections.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// Degraded marks a fail-open admission made without consulting the store.
	Degraded bool `json:"degraded,omitempty"`
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1 for
// a rejection.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		if d.Allowed {
			return 0
		}
		return 1
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

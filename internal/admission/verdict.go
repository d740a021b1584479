package admission

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/SmitUplenchwar2687/Bastion/internal/limiter"
)

// Response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Outcome classifies a verdict.
type Outcome string

const (
	OutcomeAllowed   Outcome = "allowed"
	OutcomeBypass    Outcome = "bypass"
	OutcomeLimited   Outcome = "limited"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeDenied    Outcome = "denied"
	OutcomeDetected  Outcome = "detected"
	OutcomeChallenge Outcome = "challenge"
)

// Verdict is the result of an admission check. Allowed verdicts pass the
// request through; others carry the status, headers and body to send.
// Release must be called once the request completes.
type Verdict struct {
	Allowed bool    `json:"allowed"`
	Outcome Outcome `json:"outcome"`
	// Status is 0 for pass-through, otherwise 429 or 403.
	Status int `json:"status,omitempty"`

	Key        limiter.Key       `json:"key"`
	Identifier string            `json:"identifier,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Detector   string            `json:"detector,omitempty"`
	Tier       string            `json:"tier,omitempty"`
	Algorithm  limiter.Algorithm `json:"algorithm,omitempty"`
	// Decision is populated when a quota was consulted.
	Decision *limiter.Decision `json:"decision,omitempty"`
	// Blocked reports that this check wrote a new block.
	Blocked    bool          `json:"blocked,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Challenge  string        `json:"-"`

	release func()
	once    sync.Once
}

// Release frees per-request tracking state. It is safe to call more than
// once and on a nil Verdict.
func (v *Verdict) Release() {
	if v == nil || v.release == nil {
		return
	}
	v.once.Do(v.release)
}

// Headers returns the headers to add to the response.
func (v *Verdict) Headers() http.Header {
	h := make(http.Header)
	if v.Decision != nil {
		h.Set(HeaderLimit, strconv.Itoa(v.Decision.Limit))
		h.Set(HeaderRemaining, strconv.Itoa(v.Decision.Remaining))
		h.Set(HeaderReset, v.Decision.ResetAt.UTC().Format(time.RFC3339))
	}
	if !v.Allowed {
		if s := v.retryAfterSeconds(); s > 0 {
			h.Set(HeaderRetryAfter, strconv.Itoa(s))
		}
	}
	return h
}

// RateLimitBody is sent with a 429.
type RateLimitBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	ResetAt    string `json:"resetAt"`
	RetryAfter int    `json:"retryAfter"`
}

// BlockedBody is sent with a 403 for a blocked or denied identity.
type BlockedBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// ChallengeBody is sent with a 403 challenge.
type ChallengeBody struct {
	Error        string `json:"error"`
	Challenge    string `json:"challenge"`
	Instructions string `json:"instructions"`
}

// Body returns the JSON body for a rejection, or nil for a pass.
func (v *Verdict) Body(now time.Time) any {
	if v.Allowed {
		return nil
	}
	switch {
	case v.Outcome == OutcomeChallenge:
		return ChallengeBody{
			Error:        "Challenge Required",
			Challenge:    v.Challenge,
			Instructions: "Repeat the request with the challenge token in the X-Challenge-Token header.",
		}
	case v.Status == http.StatusTooManyRequests:
		b := RateLimitBody{
			Error:      "Too Many Requests",
			Message:    v.Reason,
			ResetAt:    now.Add(v.RetryAfter).UTC().Format(time.RFC3339),
			RetryAfter: v.retryAfterSeconds(),
		}
		if v.Decision != nil {
			b.Limit = v.Decision.Limit
			b.ResetAt = v.Decision.ResetAt.UTC().Format(time.RFC3339)
		}
		return b
	default:
		return BlockedBody{
			Error:      "Forbidden",
			Message:    v.Reason,
			RetryAfter: v.retryAfterSeconds(),
		}
	}
}

func (v *Verdict) retryAfterSeconds() int {
	if v.Decision != nil {
		return v.Decision.RetryAfterSeconds()
	}
	if v.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(v.RetryAfter.Seconds()))
}

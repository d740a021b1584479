// Package admission composes the block registry, policy resolver, abuse
// detectors, trust engine and algorithm engine into one admission check per
// request, plus the post-response observer that feeds outcomes back.
package admission

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"k8s.io/klog/v2"

	"github.com/SmitUplenchwar2687/Bastion/internal/abuse"
	"github.com/SmitUplenchwar2687/Bastion/internal/clock"
	"github.com/SmitUplenchwar2687/Bastion/internal/limiter"
	"github.com/SmitUplenchwar2687/Bastion/internal/metrics"
	"github.com/SmitUplenchwar2687/Bastion/internal/policy"
	"github.com/SmitUplenchwar2687/Bastion/internal/trust"
)

// DefaultCheckTimeout bounds a single admission check.
const DefaultCheckTimeout = 250 * time.Millisecond

// metricsLabel is the algorithm label for decisions made before any quota
// was consulted.
const metricsLabel = "policy"

// Request is the resolved identity tuple of an inbound request.
type Request struct {
	UserID         string `json:"user_id,omitempty"`
	Role           string `json:"role,omitempty"`
	IP             string `json:"ip,omitempty"`
	APIKeyID       string `json:"api_key_id,omitempty"`
	Path           string `json:"path"`
	Method         string `json:"method,omitempty"`
	Query          string `json:"query,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	Country        string `json:"country,omitempty"`
	ChallengeToken string `json:"-"`
}

func (r Request) normalized() Request {
	if r.IP == "" {
		r.IP = limiter.UnknownIdentifier
	}
	return r
}

func (r Request) policyRequest() policy.Request {
	return policy.Request{
		UserID:   r.UserID,
		Role:     r.Role,
		IP:       r.IP,
		APIKeyID: r.APIKeyID,
		Path:     r.Path,
		Country:  r.Country,
	}
}

func (r Request) abuseRequest() abuse.Request {
	return abuse.Request{
		IP:             r.IP,
		Method:         r.Method,
		Path:           r.Path,
		Query:          r.Query,
		UserAgent:      r.UserAgent,
		ChallengeToken: r.ChallengeToken,
	}
}

// Options wires a Pipeline. Resolver and Limiter are required.
type Options struct {
	Resolver *policy.Resolver
	Limiter  *limiter.Engine
	// Trust rescales quotas when Adaptive is set and records outcomes.
	Trust *trust.Engine
	// Abuse enables the detectors.
	Abuse   *abuse.Detector
	Metrics *metrics.Metrics

	Adaptive     bool
	CheckTimeout time.Duration
}

// Pipeline runs admission checks. It is safe for concurrent use.
type Pipeline struct {
	resolver *policy.Resolver
	limiter  *limiter.Engine
	trust    *trust.Engine
	abuse    *abuse.Detector
	metrics  *metrics.Metrics
	clock    clock.Clock

	adaptive bool
	timeout  time.Duration
}

// New creates a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("policy resolver is required")
	}
	if opts.Limiter == nil {
		return nil, fmt.Errorf("limiter engine is required")
	}
	if opts.Adaptive && opts.Trust == nil {
		return nil, fmt.Errorf("adaptive limits require a trust engine")
	}
	timeout := opts.CheckTimeout
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &Pipeline{
		resolver: opts.Resolver,
		limiter:  opts.Limiter,
		trust:    opts.Trust,
		abuse:    opts.Abuse,
		metrics:  opts.Metrics,
		clock:    opts.Limiter.Clock(),
		adaptive: opts.Adaptive,
		timeout:  timeout,
	}, nil
}

// Clock returns the pipeline's time source.
func (p *Pipeline) Clock() clock.Clock {
	return p.clock
}

// Check decides whether req may proceed. It never fails: components that
// cannot reach the store are skipped and the request is admitted. The
// returned Verdict must be released when the request completes.
func (p *Pipeline) Check(ctx context.Context, req Request) *Verdict {
	start := time.Now()
	defer func() { p.metrics.ObserveCheck(time.Since(start)) }()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req = req.normalized()
	preq := req.policyRequest()
	key := preq.Key()

	if res, ok := p.resolver.CheckBlocked(ctx, preq); ok {
		return p.reject(&Verdict{
			Outcome:    OutcomeBlocked,
			Status:     http.StatusForbidden,
			Key:        key,
			Identifier: res.Identifier,
			Reason:     res.Reason,
			RetryAfter: res.RetryAfter,
		})
	}
	if res, ok := p.resolver.CheckDenied(preq); ok {
		return p.reject(&Verdict{
			Outcome:    OutcomeDenied,
			Status:     http.StatusForbidden,
			Key:        key,
			Identifier: res.Identifier,
			Reason:     res.Reason,
		})
	}

	// Allow-listed addresses skip the detectors as well as the quota.
	if p.resolver.Allowed(req.IP) {
		p.metrics.Decision(metricsLabel, metrics.OutcomeAllowed)
		return &Verdict{Allowed: true, Outcome: OutcomeAllowed, Key: key}
	}

	var releases []func()
	release := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	if p.abuse != nil {
		if v := p.screen(ctx, req, key, &releases); v != nil {
			release()
			return p.reject(v)
		}
	}

	res := p.resolver.ResolveQuota(ctx, preq)
	switch res.Outcome {
	case policy.OutcomeAllowed, policy.OutcomeBypass:
		outcome := OutcomeAllowed
		if res.Outcome == policy.OutcomeBypass {
			outcome = OutcomeBypass
		}
		p.metrics.Decision(metricsLabel, metrics.OutcomeAllowed)
		return &Verdict{Allowed: true, Outcome: outcome, Key: key, Reason: res.Reason, Tier: string(res.Tier), release: release}
	}

	pol := res.Policy
	if p.adaptive {
		id := trust.Identity{Scope: key.Scope, ID: key.Identifier}
		scaled := trust.AdaptivePolicy(id, pol.Points, pol.Duration, p.trust.Score(ctx, id))
		scaled.BlockDuration = pol.BlockDuration
		if pol.KeyPrefix != "" {
			scaled.KeyPrefix += ":" + pol.KeyPrefix
		}
		pol = scaled
	}

	dec := p.limiter.Check(ctx, res.Algorithm, key, pol)
	v := &Verdict{
		Allowed:   dec.Allowed,
		Outcome:   OutcomeAllowed,
		Key:       key,
		Tier:      string(res.Tier),
		Algorithm: res.Algorithm,
		Decision:  &dec,
		release:   release,
	}
	if !dec.Allowed {
		v.Outcome = OutcomeLimited
		v.Status = http.StatusTooManyRequests
		v.Reason = fmt.Sprintf("Rate limit exceeded, retry in %d seconds", dec.RetryAfterSeconds())
		v.RetryAfter = dec.RetryAfter
		release()
		v.release = nil
	}
	return v
}

// screen runs the abuse detectors in order and returns the first rejection.
// Trackers that stay open for the request's lifetime are appended to
// releases.
func (p *Pipeline) screen(ctx context.Context, req Request, key limiter.Key, releases *[]func()) *Verdict {
	d := p.abuse
	ar := req.abuseRequest()

	if f, hit := d.Burst(ctx, req.IP); hit {
		return detected(key, req.IP, f)
	}
	f, hit, done := d.ConnectionFlood(ctx, req.IP)
	*releases = append(*releases, done)
	if hit {
		return detected(key, req.IP, f)
	}
	if f, hit := d.Pattern(ctx, ar); hit {
		return detected(key, req.IP, f)
	}

	slow := d.TrackSlow(ctx, req.IP)
	*releases = append(*releases, func() {
		if f, hit := slow.Finish(); hit {
			klog.InfoS("Slow request abuse detected", "event", "block", "detector", f.Detector, "identifier", req.IP)
		}
	})

	if f, hit := d.Challenge(ctx, ar); hit {
		v := detected(key, req.IP, f)
		v.Outcome = OutcomeChallenge
		v.Challenge = f.Challenge
		return v
	}
	if f, hit := d.Scraper(ctx, ar); hit {
		return detected(key, req.IP, f)
	}
	d.Payload(ctx, ar)
	return nil
}

func detected(key limiter.Key, ip string, f abuse.Finding) *Verdict {
	return &Verdict{
		Outcome:    OutcomeDetected,
		Status:     f.Status,
		Key:        key,
		Identifier: ip,
		Reason:     f.Reason,
		Detector:   f.Detector,
		Blocked:    f.Blocked,
		RetryAfter: f.RetryAfter,
	}
}

func (p *Pipeline) reject(v *Verdict) *Verdict {
	outcome := metrics.OutcomeRejected
	if v.Outcome == OutcomeBlocked || v.Outcome == OutcomeDenied || v.Blocked {
		outcome = metrics.OutcomeBlocked
	}
	p.metrics.Decision(metricsLabel, outcome)
	return v
}

// Observe feeds a response status back: 429s count as violations, login
// endpoint outcomes feed the credential stuffing detector, and the trust
// counters of the request's identity are updated. Rejections for blocked or
// denied identities should not be observed.
func (p *Pipeline) Observe(ctx context.Context, req Request, status int) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req = req.normalized()
	key := req.policyRequest().Key()
	id := trust.Identity{Scope: key.Scope, ID: key.Identifier}

	if p.abuse != nil {
		if status == http.StatusTooManyRequests {
			p.abuse.ObserveViolation(ctx, req.IP)
		}
		if p.abuse.IsAuthEndpoint(req.Path) {
			switch {
			case status >= 200 && status < 300:
				p.abuse.ObserveLogin(ctx, req.IP, true)
			case status == http.StatusUnauthorized || status == http.StatusForbidden:
				p.abuse.ObserveLogin(ctx, req.IP, false)
			}
		}
	}

	if p.trust == nil {
		return
	}
	switch {
	case status == http.StatusTooManyRequests:
		p.trust.RecordViolation(ctx, id)
	case status >= 400 && status < 500:
		p.trust.RecordFailure(ctx, id)
	case status < 400:
		p.trust.RecordSuccess(ctx, id)
	}
}

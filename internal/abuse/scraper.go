package abuse

import (
	"context"
	"net/http"

	"k8s.io/klog/v2"

	"github.com/SmitUplenchwar2687/Bastion/internal/limiter"
)

// Scraper applies a strict dedicated limit to requests whose user agent
// looks automated. Exceeding the limit raises suspicion and is rejected
// with 403.
func (d *Detector) Scraper(ctx context.Context, r Request) (Finding, bool) {
	pattern, ok := d.matchScraper(r.UserAgent)
	if !ok {
		return Finding{}, false
	}
	klog.V(2).Infof("scraper user agent %q from %s matched %q", r.UserAgent, r.IP, pattern)

	dec := d.limiter.Consume(ctx, limiter.AlgorithmTokenBucket, limiter.Key{Scope: limiter.ScopeIP, Identifier: r.IP}, 1, d.cfg.ScraperPolicy)
	if dec.Allowed {
		return Finding{}, false
	}
	d.RaiseSuspicion(ctx, r.IP, 1)
	return Finding{
		Detector:   DetectorScraper,
		Status:     http.StatusForbidden,
		Reason:     "automated client rate limit exceeded",
		Severity:   SeverityMedium,
		RetryAfter: dec.RetryAfter,
	}, true
}

// Payload raises suspicion for requests carrying injection payloads. It
// never rejects on its own.
func (d *Detector) Payload(ctx context.Context, r Request) (string, bool) {
	rule, ok := d.MatchPayload(r.Path, r.Query)
	if !ok {
		return "", false
	}
	klog.InfoS("Suspicious payload", "event", "suspicion", "detector", DetectorPayload, "identifier", r.IP, "rule", rule)
	d.RaiseSuspicion(ctx, r.IP, 1)
	return rule, true
}

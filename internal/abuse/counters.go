package abuse

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Burst counts requests per IP in a short window. The request that crosses
// the threshold blocks the IP and is rejected with 429; later requests are
// stopped by the block registry.
func (d *Detector) Burst(ctx context.Context, ip string) (Finding, bool) {
	n, err := d.incr(ctx, key(DetectorBurst, ip), 1, d.cfg.BurstWindow)
	if err != nil {
		d.skip(DetectorBurst, ip, err)
		return Finding{}, false
	}
	if n <= int64(d.cfg.BurstThreshold) {
		return Finding{}, false
	}
	return d.block(ctx, DetectorBurst, ip, "request burst detected", SeverityMedium, http.StatusTooManyRequests), true
}

// Pattern counts identical requests per IP. The signature covers method,
// path, query and user agent.
func (d *Detector) Pattern(ctx context.Context, r Request) (Finding, bool) {
	k := key(DetectorPattern, r.IP+":"+Signature(r))
	n, err := d.incr(ctx, k, 1, d.cfg.PatternWindow)
	if err != nil {
		d.skip(DetectorPattern, r.IP, err)
		return Finding{}, false
	}
	if n <= int64(d.cfg.PatternThreshold) {
		return Finding{}, false
	}
	return d.block(ctx, DetectorPattern, r.IP, "repeated identical requests", SeverityMedium, http.StatusTooManyRequests), true
}

// Signature fingerprints the repeatable part of a request.
func Signature(r Request) string {
	h := xxhash.New()
	for _, part := range []string{r.Method, r.Path, r.Query, r.UserAgent} {
		_, _ = h.WriteString(part)
		_, _ = h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// ObserveViolation records a rejected (429) response for ip. Reaching the
// threshold blocks the IP. Every violation raises suspicion.
func (d *Detector) ObserveViolation(ctx context.Context, ip string) (Finding, bool) {
	n, err := d.incr(ctx, key(DetectorViolations, ip), 1, d.cfg.ViolationWindow)
	if err != nil {
		d.skip(DetectorViolations, ip, err)
		return Finding{}, false
	}
	d.RaiseSuspicion(ctx, ip, 1)
	if n < int64(d.cfg.ViolationThreshold) {
		return Finding{}, false
	}
	return d.block(ctx, DetectorViolations, ip, "repeated rate limit violations", SeverityMedium, http.StatusForbidden), true
}

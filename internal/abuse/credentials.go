package abuse

import (
	"context"
	"net/http"
)

// IsAuthEndpoint reports whether path is a watched login endpoint.
func (d *Detector) IsAuthEndpoint(path string) bool {
	_, ok := d.auth[path]
	return ok
}

// ObserveLogin records the outcome of a login attempt from ip. A success
// clears the failure count; reaching the failure threshold blocks the IP.
func (d *Detector) ObserveLogin(ctx context.Context, ip string, success bool) (Finding, bool) {
	k := key(DetectorCredentials, ip)
	if success {
		if err := d.store.Delete(ctx, k); err != nil {
			d.skip(DetectorCredentials, ip, err)
		}
		return Finding{}, false
	}

	n, err := d.incr(ctx, k, 1, d.cfg.LoginFailWindow)
	if err != nil {
		d.skip(DetectorCredentials, ip, err)
		return Finding{}, false
	}
	if n < int64(d.cfg.LoginFailThreshold) {
		return Finding{}, false
	}
	return d.block(ctx, DetectorCredentials, ip, "credential stuffing suspected", SeverityHigh, http.StatusForbidden), true
}

// LoginFailures returns the current failure count for ip.
func (d *Detector) LoginFailures(ctx context.Context, ip string) (int64, error) {
	return d.counter(ctx, key(DetectorCredentials, ip))
}

package abuse

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

// ChallengeHeader carries the one-time token answering a challenge.
const ChallengeHeader = "X-Challenge-Token"

// RaiseSuspicion adds n to the suspicion level of ip.
func (d *Detector) RaiseSuspicion(ctx context.Context, ip string, n int64) {
	if _, err := d.incr(ctx, key("suspicion", ip), n, d.cfg.SuspicionTTL); err != nil {
		d.skip(DetectorChallenge, ip, err)
	}
}

// Suspicion returns the suspicion level of ip.
func (d *Detector) Suspicion(ctx context.Context, ip string) (int64, error) {
	return d.counter(ctx, key("suspicion", ip))
}

// Challenge gates suspicious IPs behind a one-time token. Below the
// threshold it passes. Above it, a request carrying the token issued for
// the IP passes, consumes the token and lowers suspicion by one; any other
// request receives a fresh token and is rejected with 403.
func (d *Detector) Challenge(ctx context.Context, r Request) (Finding, bool) {
	level, err := d.Suspicion(ctx, r.IP)
	if err != nil {
		d.skip(DetectorChallenge, r.IP, err)
		return Finding{}, false
	}
	if level <= int64(d.cfg.SuspicionThreshold) {
		return Finding{}, false
	}

	tk := key(DetectorChallenge, r.IP)
	if r.ChallengeToken != "" {
		want, found, err := d.store.Get(ctx, tk)
		if err != nil {
			d.skip(DetectorChallenge, r.IP, err)
			return Finding{}, false
		}
		if found && subtle.ConstantTimeCompare([]byte(want), []byte(r.ChallengeToken)) == 1 {
			if err := d.store.Delete(ctx, tk); err != nil {
				d.skip(DetectorChallenge, r.IP, err)
			}
			d.lowerSuspicion(ctx, r.IP)
			return Finding{}, false
		}
	}

	token := uuid.NewString()
	if err := d.store.SetWithTTL(ctx, tk, token, d.cfg.ChallengeTTL); err != nil {
		d.skip(DetectorChallenge, r.IP, err)
		return Finding{}, false
	}
	return Finding{
		Detector:  DetectorChallenge,
		Status:    http.StatusForbidden,
		Reason:    "challenge required",
		Severity:  SeverityMedium,
		Challenge: token,
	}, true
}

func (d *Detector) lowerSuspicion(ctx context.Context, ip string) {
	k := key("suspicion", ip)
	n, err := d.store.IncrBy(ctx, k, -1)
	if err != nil {
		d.skip(DetectorChallenge, ip, err)
		return
	}
	if n <= 0 {
		if err := d.store.Delete(ctx, k); err != nil {
			d.skip(DetectorChallenge, ip, err)
		}
	}
}

func (d *Detector) counter(ctx context.Context, k string) (int64, error) {
	raw, found, err := d.store.Get(ctx, k)
	if err != nil || !found {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

package abuse

import (
	"context"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SmitUplenchwar2687/Bastion/internal/store"
)

// cleanupTimeout bounds marker removal, which runs after the request's own
// context may already be gone.
const cleanupTimeout = 2 * time.Second

// ConnectionFlood registers an in-flight marker for ip and counts the live
// ones. Markers older than ConnectionStale are pruned first. The returned
// release func removes the marker; it is safe to call more than once and is
// never nil.
func (d *Detector) ConnectionFlood(ctx context.Context, ip string) (Finding, bool, func()) {
	k := key(DetectorFlood, ip)
	now := d.clock.Now()
	member := uuid.NewString()

	res, err := d.store.Exec(ctx,
		store.OpZRemRangeByScore(k, math.Inf(-1), float64(now.Add(-d.cfg.ConnectionStale).UnixMilli())),
		store.OpZAdd(k, float64(now.UnixMilli()), member),
		store.OpZCard(k),
		store.OpExpire(k, d.cfg.ConnectionStale),
	)
	if err != nil {
		d.skip(DetectorFlood, ip, err)
		return Finding{}, false, func() {}
	}

	release := d.releaser(ctx, DetectorFlood, ip, k, member)
	if res[2].Int <= int64(d.cfg.MaxConnections) {
		return Finding{}, false, release
	}
	release()
	return d.block(ctx, DetectorFlood, ip, "too many concurrent connections", SeverityMedium, http.StatusTooManyRequests), true, func() {}
}

func (d *Detector) releaser(ctx context.Context, detector, ip, k, member string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
			defer cancel()
			if err := d.store.ZRem(cctx, k, member); err != nil {
				d.skip(detector, ip, err)
			}
		})
	}
}

// SlowRequest tracks one open request for the slow request detector.
type SlowRequest struct {
	d       *Detector
	ctx     context.Context
	ip      string
	key     string
	member  string
	started time.Time
	timer   *time.Timer
	release func()

	mu        sync.Mutex
	evaluated bool
	finding   *Finding
}

// TrackSlow starts tracking a request from ip. Finish must be called when
// the request completes. If the request is still open after
// SlowRequestTimeout while more than MaxSlowRequests other requests from the
// same IP have also been open that long, the IP is blocked.
func (d *Detector) TrackSlow(ctx context.Context, ip string) *SlowRequest {
	k := key(DetectorSlow, ip)
	now := d.clock.Now()
	t := &SlowRequest{d: d, ctx: context.WithoutCancel(ctx), ip: ip, key: k, member: uuid.NewString(), started: now}

	// Markers outlive a request by at most twice the timeout.
	_, err := d.store.Exec(ctx,
		store.OpZRemRangeByScore(k, math.Inf(-1), float64(now.Add(-2*d.cfg.SlowRequestTimeout).UnixMilli())),
		store.OpZAdd(k, float64(now.UnixMilli()), t.member),
		store.OpExpire(k, 2*d.cfg.SlowRequestTimeout),
	)
	if err != nil {
		d.skip(DetectorSlow, ip, err)
		t.release = func() {}
		return t
	}
	t.release = d.releaser(ctx, DetectorSlow, ip, k, t.member)
	t.timer = time.AfterFunc(d.cfg.SlowRequestTimeout, t.timeout)
	return t
}

// Finish stops tracking and removes the marker. It reports the finding if
// the request was classified as slow abuse.
func (t *SlowRequest) Finish() (Finding, bool) {
	if t == nil {
		return Finding{}, false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.d.clock.Since(t.started) >= t.d.cfg.SlowRequestTimeout {
		t.evaluate()
	}
	t.release()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finding == nil {
		return Finding{}, false
	}
	return *t.finding, true
}

func (t *SlowRequest) timeout() {
	t.evaluate()
	t.release()
}

// evaluate counts the other requests from the IP that have themselves been
// open for at least SlowRequestTimeout and blocks the IP when there are too
// many. It runs at most once.
func (t *SlowRequest) evaluate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.evaluated {
		return
	}
	t.evaluated = true
	ctx, cancel := context.WithTimeout(t.ctx, cleanupTimeout)
	defer cancel()

	cutoff := t.d.clock.Now().Add(-t.d.cfg.SlowRequestTimeout)
	slow, err := t.d.store.ZCount(ctx, t.key, math.Inf(-1), float64(cutoff.UnixMilli()))
	if err != nil {
		t.d.skip(DetectorSlow, t.ip, err)
		return
	}
	if !t.started.After(cutoff) {
		slow--
	}
	if slow <= int64(t.d.cfg.MaxSlowRequests) {
		return
	}
	f := t.d.block(ctx, DetectorSlow, t.ip, "too many slow requests", SeverityMedium, http.StatusTooManyRequests)
	t.finding = &f
}

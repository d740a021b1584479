package abuse

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmitUplenchwar2687/Bastion/internal/blocklist"
	"github.com/SmitUplenchwar2687/Bastion/internal/clock"
	"github.com/SmitUplenchwar2687/Bastion/internal/limiter"
	"github.com/SmitUplenchwar2687/Bastion/internal/metrics"
	"github.com/SmitUplenchwar2687/Bastion/internal/store"
	"github.com/SmitUplenchwar2687/Bastion/internal/store/storetest"
)

var (
	epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx   = context.Background()
)

type fixture struct {
	d      *Detector
	vc     *clock.VirtualClock
	blocks *blocklist.Registry
	reg    *prometheus.Registry
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	vc := clock.NewVirtualClock(epoch)
	return newFixtureWithStore(t, storetest.NewMemory(t, vc), vc, cfg)
}

func newFixtureWithStore(t *testing.T, s store.Store, vc *clock.VirtualClock, cfg Config) fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	lim, err := limiter.NewEngine(s, vc, m)
	require.NoError(t, err)
	blocks := blocklist.New(s, vc, m)
	d, err := New(s, vc, lim, blocks, m, cfg)
	require.NoError(t, err)
	return fixture{d: d, vc: vc, blocks: blocks, reg: reg}
}

func (f fixture) blocked(ip string) bool {
	b, _ := f.blocks.IsBlocked(ctx, ip)
	return b
}

func (f fixture) counter(t *testing.T, name, detector string) float64 {
	t.Helper()
	families, err := f.reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "detector" && l.GetValue() == detector {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestBurst_BlocksOnThreshold(t *testing.T) {
	f := newFixture(t, Config{})

	for i := 1; i <= 100; i++ {
		_, hit := f.d.Burst(ctx, "203.0.113.9")
		require.False(t, hit, "request %d should pass", i)
	}
	finding, hit := f.d.Burst(ctx, "203.0.113.9")
	require.True(t, hit)
	assert.Equal(t, http.StatusTooManyRequests, finding.Status)
	assert.True(t, finding.Blocked)
	assert.Equal(t, time.Hour, finding.RetryAfter)
	assert.True(t, f.blocked("203.0.113.9"))
	assert.False(t, f.blocked("203.0.113.10"))
	assert.Equal(t, 1.0, f.counter(t, "bastion_blocks_total", DetectorBurst))
}

func TestBurst_WindowResets(t *testing.T) {
	f := newFixture(t, Config{BurstThreshold: 3})

	for i := 0; i < 3; i++ {
		_, hit := f.d.Burst(ctx, "ip1")
		require.False(t, hit)
	}
	f.vc.Advance(time.Second)
	for i := 0; i < 3; i++ {
		_, hit := f.d.Burst(ctx, "ip1")
		require.False(t, hit, "window should have reset")
	}
}

func TestPattern_IdenticalRequests(t *testing.T) {
	f := newFixture(t, Config{})
	r := Request{IP: "ip1", Method: "GET", Path: "/api/items", Query: "page=1", UserAgent: "Mozilla/5.0"}

	for i := 0; i < 10; i++ {
		_, hit := f.d.Pattern(ctx, r)
		require.False(t, hit)
	}

	other := r
	other.Query = "page=2"
	_, hit := f.d.Pattern(ctx, other)
	assert.False(t, hit, "a different query has its own signature")

	finding, hit := f.d.Pattern(ctx, r)
	require.True(t, hit)
	assert.Equal(t, DetectorPattern, finding.Detector)
	assert.True(t, f.blocked("ip1"))
}

func TestSignature(t *testing.T) {
	a := Request{Method: "GET", Path: "/a", Query: "b", UserAgent: "c"}
	b := Request{Method: "GET", Path: "/ab", UserAgent: "c"}
	assert.Equal(t, Signature(a), Signature(a))
	assert.NotEqual(t, Signature(a), Signature(b), "field boundaries are part of the signature")
}

func TestConnectionFlood(t *testing.T) {
	f := newFixture(t, Config{MaxConnections: 3})

	var releases []func()
	for i := 0; i < 3; i++ {
		_, hit, release := f.d.ConnectionFlood(ctx, "ip1")
		require.False(t, hit)
		releases = append(releases, release)
	}

	// Releasing frees a slot; releasing twice frees only one.
	releases[0]()
	releases[0]()
	_, hit, release := f.d.ConnectionFlood(ctx, "ip1")
	require.False(t, hit)
	releases[0] = release

	finding, hit, release := f.d.ConnectionFlood(ctx, "ip1")
	require.True(t, hit)
	require.NotNil(t, release)
	release()
	assert.Equal(t, http.StatusTooManyRequests, finding.Status)
	assert.True(t, f.blocked("ip1"))
}

func TestConnectionFlood_StaleMarkersPruned(t *testing.T) {
	f := newFixture(t, Config{MaxConnections: 2})

	for i := 0; i < 2; i++ {
		_, hit, _ := f.d.ConnectionFlood(ctx, "ip1")
		require.False(t, hit)
	}
	f.vc.Advance(61 * time.Second)
	_, hit, release := f.d.ConnectionFlood(ctx, "ip1")
	assert.False(t, hit, "leaked markers older than the stale window do not count")
	release()
}

func TestSlowRequest(t *testing.T) {
	tests := []struct {
		name   string
		others int
		want   bool
	}{
		{"at limit", 5, false},
		{"over limit", 6, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			for i := 0; i < tt.others; i++ {
				s := f.d.TrackSlow(ctx, "ip1")
				t.Cleanup(func() { s.Finish() })
			}
			slow := f.d.TrackSlow(ctx, "ip1")
			f.vc.Advance(30 * time.Second)

			finding, hit := slow.Finish()
			assert.Equal(t, tt.want, hit)
			assert.Equal(t, tt.want, f.blocked("ip1"))
			if tt.want {
				assert.Equal(t, DetectorSlow, finding.Detector)
			}

			// Finish is idempotent.
			_, again := slow.Finish()
			assert.Equal(t, tt.want, again)
		})
	}
}

func TestSlowRequest_FastRequestsIgnored(t *testing.T) {
	f := newFixture(t, Config{})
	for i := 0; i < 10; i++ {
		s := f.d.TrackSlow(ctx, "ip1")
		t.Cleanup(func() { s.Finish() })
	}
	fast := f.d.TrackSlow(ctx, "ip1")
	f.vc.Advance(time.Second)
	_, hit := fast.Finish()
	assert.False(t, hit)
	assert.False(t, f.blocked("ip1"))
}

func TestSlowRequest_FreshConcurrencyIgnored(t *testing.T) {
	f := newFixture(t, Config{})
	slow := f.d.TrackSlow(ctx, "ip1")
	f.vc.Advance(31 * time.Second)

	for i := 0; i < 6; i++ {
		s := f.d.TrackSlow(ctx, "ip1")
		t.Cleanup(func() { s.Finish() })
	}

	_, hit := slow.Finish()
	assert.False(t, hit, "requests opened moments ago are not slow")
	assert.False(t, f.blocked("ip1"))
}

func TestObserveViolation(t *testing.T) {
	f := newFixture(t, Config{})

	for i := 0; i < 4; i++ {
		_, hit := f.d.ObserveViolation(ctx, "ip1")
		require.False(t, hit)
	}
	finding, hit := f.d.ObserveViolation(ctx, "ip1")
	require.True(t, hit)
	assert.Equal(t, http.StatusForbidden, finding.Status)
	assert.True(t, f.blocked("ip1"))

	level, err := f.d.Suspicion(ctx, "ip1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), level)
}

func TestScraper(t *testing.T) {
	f := newFixture(t, Config{})

	_, hit := f.d.Scraper(ctx, Request{IP: "ip1", UserAgent: "Mozilla/5.0 (X11; Linux x86_64)"})
	assert.False(t, hit)

	bot := Request{IP: "ip1", UserAgent: "Python-Requests/2.31"}
	for i := 0; i < 10; i++ {
		_, hit := f.d.Scraper(ctx, bot)
		require.False(t, hit, "request %d within the scraper limit", i+1)
	}
	finding, hit := f.d.Scraper(ctx, bot)
	require.True(t, hit)
	assert.Equal(t, http.StatusForbidden, finding.Status)
	assert.Positive(t, finding.RetryAfter)
	assert.False(t, f.blocked("ip1"), "scrapers are limited, not blocked")

	level, err := f.d.Suspicion(ctx, "ip1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), level, "only the rejected request raises suspicion")
}

func TestMatchScraper_Order(t *testing.T) {
	f := newFixture(t, Config{ScraperPatterns: []string{" Spider ", "bot"}})
	p, ok := f.d.matchScraper("Googlebot-Spider/2.1")
	require.True(t, ok)
	assert.Equal(t, "spider", p)
}

func TestCredentialStuffing(t *testing.T) {
	f := newFixture(t, Config{})
	require.True(t, f.d.IsAuthEndpoint("/api/auth/login"))
	require.False(t, f.d.IsAuthEndpoint("/api/items"))

	for i := 0; i < 9; i++ {
		_, hit := f.d.ObserveLogin(ctx, "ip1", false)
		require.False(t, hit)
	}
	// A success resets the count.
	_, hit := f.d.ObserveLogin(ctx, "ip1", true)
	require.False(t, hit)
	n, err := f.d.LoginFailures(ctx, "ip1")
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 0; i < 9; i++ {
		_, hit := f.d.ObserveLogin(ctx, "ip1", false)
		require.False(t, hit)
	}
	finding, hit := f.d.ObserveLogin(ctx, "ip1", false)
	require.True(t, hit)
	assert.Equal(t, SeverityHigh, finding.Severity)

	rec, found, err := f.blocks.Get(ctx, "ip1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, strings.Contains(rec.Reason, "credential stuffing"))
	assert.True(t, strings.Contains(rec.Reason, "high"))
}

func TestCredentialStuffing_WindowExpires(t *testing.T) {
	f := newFixture(t, Config{})
	for i := 0; i < 9; i++ {
		f.d.ObserveLogin(ctx, "ip1", false)
	}
	f.vc.Advance(300 * time.Second)
	_, hit := f.d.ObserveLogin(ctx, "ip1", false)
	assert.False(t, hit)
}

func TestChallenge(t *testing.T) {
	f := newFixture(t, Config{})
	r := Request{IP: "ip1"}

	f.d.RaiseSuspicion(ctx, "ip1", 3)
	_, hit := f.d.Challenge(ctx, r)
	require.False(t, hit, "at the threshold no challenge is issued")

	f.d.RaiseSuspicion(ctx, "ip1", 1)
	first, hit := f.d.Challenge(ctx, r)
	require.True(t, hit)
	assert.Equal(t, http.StatusForbidden, first.Status)
	require.NotEmpty(t, first.Challenge)

	r.ChallengeToken = "forged"
	second, hit := f.d.Challenge(ctx, r)
	require.True(t, hit)
	assert.NotEqual(t, first.Challenge, second.Challenge)

	// Only the latest token is accepted.
	r.ChallengeToken = first.Challenge
	_, hit = f.d.Challenge(ctx, r)
	require.True(t, hit)

	third, _ := f.d.Challenge(ctx, Request{IP: "ip1"})
	r.ChallengeToken = third.Challenge
	_, hit = f.d.Challenge(ctx, r)
	assert.False(t, hit)

	level, err := f.d.Suspicion(ctx, "ip1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), level)

	// Tokens are single use; suspicion is back at the threshold.
	_, hit = f.d.Challenge(ctx, r)
	assert.False(t, hit)
}

func TestPayload(t *testing.T) {
	f := newFixture(t, Config{})

	tests := []struct {
		path, query string
		want        string
	}{
		{"/search", "q=1%27%20OR%20%271%27%3D%271", "sql_tautology"},
		{"/items", "id=1 UNION SELECT password FROM users", "sql_union"},
		{"/comment", "body=%3Cscript%3Ealert(1)%3C%2Fscript%3E", "xss_script"},
		{"/img", "src=x onerror=alert(1)", "xss_handler"},
		{"/files/..%2F..%2Fetc%2Fpasswd", "", "path_traversal"},
		{"/api/items", "page=2&sort=name", ""},
	}
	for _, tt := range tests {
		rule, ok := f.d.Payload(ctx, Request{IP: "ip1", Path: tt.path, Query: tt.query})
		assert.Equal(t, tt.want != "", ok, "%s?%s", tt.path, tt.query)
		assert.Equal(t, tt.want, rule, "%s?%s", tt.path, tt.query)
	}

	level, err := f.d.Suspicion(ctx, "ip1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), level)
	assert.False(t, f.blocked("ip1"), "payload matches never block on their own")
}

func TestDetectors_FailOpen(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	f := newFixtureWithStore(t, storetest.Unavailable{}, vc, Config{})
	r := Request{IP: "ip1", Method: "GET", Path: "/", UserAgent: "curl/8.0"}

	_, hit := f.d.Burst(ctx, r.IP)
	assert.False(t, hit)
	_, hit = f.d.Pattern(ctx, r)
	assert.False(t, hit)
	_, hit, release := f.d.ConnectionFlood(ctx, r.IP)
	assert.False(t, hit)
	release()
	_, hit = f.d.TrackSlow(ctx, r.IP).Finish()
	assert.False(t, hit)
	_, hit = f.d.Scraper(ctx, r)
	assert.False(t, hit)
	_, hit = f.d.Challenge(ctx, r)
	assert.False(t, hit)
	_, hit = f.d.ObserveLogin(ctx, r.IP, false)
	assert.False(t, hit)

	assert.Positive(t, f.counter(t, "bastion_detector_errors_total", DetectorBurst))
}

func TestNew_Validation(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	_, err := New(nil, vc, nil, nil, nil, Config{})
	assert.Error(t, err)
}

// Package abuse inspects traffic shape and writes offenders to the block
// registry. Each detector owns a disjoint ddos:{detector}:{id} key family
// in the shared store and fails open on its own: a detector that cannot
// reach the store logs the error and is skipped.
package abuse

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/SmitUplenchwar2687/Bastion/internal/blocklist"
	"github.com/SmitUplenchwar2687/Bastion/internal/clock"
	"github.com/SmitUplenchwar2687/Bastion/internal/limiter"
	"github.com/SmitUplenchwar2687/Bastion/internal/metrics"
	"github.com/SmitUplenchwar2687/Bastion/internal/store"
)

// Detector names, used in key families, logs and metrics.
const (
	DetectorBurst       = "burst"
	DetectorFlood       = "conn"
	DetectorPattern     = "pattern"
	DetectorSlow        = "slow"
	DetectorViolations  = "violations"
	DetectorScraper     = "scraper"
	DetectorCredentials = "login_fail"
	DetectorChallenge   = "challenge"
	DetectorPayload     = "payload"
)

// Severity grades a block reason.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Config holds detector thresholds. Zero values are replaced by the
// defaults from DefaultConfig.
type Config struct {
	// BlockDuration is how long detectors block an offending identity.
	BlockDuration time.Duration `json:"block_duration" yaml:"block_duration"`

	BurstThreshold int           `json:"burst_threshold" yaml:"burst_threshold"`
	BurstWindow    time.Duration `json:"burst_window" yaml:"burst_window"`

	MaxConnections  int           `json:"max_connections" yaml:"max_connections"`
	ConnectionStale time.Duration `json:"connection_stale" yaml:"connection_stale"`

	PatternThreshold int           `json:"pattern_threshold" yaml:"pattern_threshold"`
	PatternWindow    time.Duration `json:"pattern_window" yaml:"pattern_window"`

	SlowRequestTimeout time.Duration `json:"slow_request_timeout" yaml:"slow_request_timeout"`
	MaxSlowRequests    int           `json:"max_slow_requests" yaml:"max_slow_requests"`

	ViolationThreshold int           `json:"violation_threshold" yaml:"violation_threshold"`
	ViolationWindow    time.Duration `json:"violation_window" yaml:"violation_window"`

	ScraperPatterns []string       `json:"scraper_patterns" yaml:"scraper_patterns"`
	ScraperPolicy   limiter.Policy `json:"scraper_policy" yaml:"scraper_policy"`

	AuthEndpoints      []string      `json:"auth_endpoints" yaml:"auth_endpoints"`
	LoginFailThreshold int           `json:"login_fail_threshold" yaml:"login_fail_threshold"`
	LoginFailWindow    time.Duration `json:"login_fail_window" yaml:"login_fail_window"`

	SuspicionThreshold int           `json:"suspicion_threshold" yaml:"suspicion_threshold"`
	SuspicionTTL       time.Duration `json:"suspicion_ttl" yaml:"suspicion_ttl"`
	ChallengeTTL       time.Duration `json:"challenge_ttl" yaml:"challenge_ttl"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		BlockDuration:      time.Hour,
		BurstThreshold:     100,
		BurstWindow:        time.Second,
		MaxConnections:     50,
		ConnectionStale:    60 * time.Second,
		PatternThreshold:   10,
		PatternWindow:      60 * time.Second,
		SlowRequestTimeout: 30 * time.Second,
		MaxSlowRequests:    5,
		ViolationThreshold: 5,
		ViolationWindow:    time.Hour,
		ScraperPatterns:    DefaultScraperPatterns(),
		ScraperPolicy:      limiter.Policy{Points: 10, Duration: time.Minute},
		AuthEndpoints:      DefaultAuthEndpoints(),
		LoginFailThreshold: 10,
		LoginFailWindow:    300 * time.Second,
		SuspicionThreshold: 3,
		SuspicionTTL:       time.Hour,
		ChallengeTTL:       5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	setDuration(&c.BlockDuration, d.BlockDuration)
	setInt(&c.BurstThreshold, d.BurstThreshold)
	setDuration(&c.BurstWindow, d.BurstWindow)
	setInt(&c.MaxConnections, d.MaxConnections)
	setDuration(&c.ConnectionStale, d.ConnectionStale)
	setInt(&c.PatternThreshold, d.PatternThreshold)
	setDuration(&c.PatternWindow, d.PatternWindow)
	setDuration(&c.SlowRequestTimeout, d.SlowRequestTimeout)
	setInt(&c.MaxSlowRequests, d.MaxSlowRequests)
	setInt(&c.ViolationThreshold, d.ViolationThreshold)
	setDuration(&c.ViolationWindow, d.ViolationWindow)
	if c.ScraperPatterns == nil {
		c.ScraperPatterns = d.ScraperPatterns
	}
	if c.ScraperPolicy.Points <= 0 || c.ScraperPolicy.Duration <= 0 {
		c.ScraperPolicy = d.ScraperPolicy
	}
	if c.AuthEndpoints == nil {
		c.AuthEndpoints = d.AuthEndpoints
	}
	setInt(&c.LoginFailThreshold, d.LoginFailThreshold)
	setDuration(&c.LoginFailWindow, d.LoginFailWindow)
	setInt(&c.SuspicionThreshold, d.SuspicionThreshold)
	setDuration(&c.SuspicionTTL, d.SuspicionTTL)
	setDuration(&c.ChallengeTTL, d.ChallengeTTL)
	return c
}

func setInt(v *int, d int) {
	if *v <= 0 {
		*v = d
	}
}

func setDuration(v *time.Duration, d time.Duration) {
	if *v <= 0 {
		*v = d
	}
}

// Request is the slice of an inbound request the detectors look at.
type Request struct {
	IP             string
	Method         string
	Path           string
	Query          string
	UserAgent      string
	ChallengeToken string
}

// Finding is a detector's rejection.
type Finding struct {
	Detector   string
	Status     int
	Reason     string
	Severity   Severity
	RetryAfter time.Duration
	// Blocked reports that the identity was written to the block registry.
	Blocked bool
	// Challenge is the fresh one-time token for a challenge rejection.
	Challenge string
}

// Detector runs the abuse checks. It is safe for concurrent use.
type Detector struct {
	store   store.Store
	clock   clock.Clock
	limiter *limiter.Engine
	blocks  *blocklist.Registry
	metrics *metrics.Metrics
	cfg     Config

	scrapers []string
	payload  []payloadMatcher
	auth     map[string]struct{}
}

// New creates a Detector. lim is used for the scraper limit; m may be nil.
func New(s store.Store, c clock.Clock, lim *limiter.Engine, blocks *blocklist.Registry, m *metrics.Metrics, cfg Config) (*Detector, error) {
	if s == nil || c == nil || lim == nil || blocks == nil {
		return nil, fmt.Errorf("abuse detector requires a store, clock, limiter and block registry")
	}
	cfg = cfg.withDefaults()
	if err := cfg.ScraperPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("scraper policy: %w", err)
	}
	if cfg.ScraperPolicy.KeyPrefix == "" {
		cfg.ScraperPolicy.KeyPrefix = DetectorScraper
	}

	d := &Detector{
		store:    s,
		clock:    c,
		limiter:  lim,
		blocks:   blocks,
		metrics:  m,
		cfg:      cfg,
		scrapers: compileScraperPatterns(cfg.ScraperPatterns),
		payload:  defaultPayloadMatchers(),
		auth:     make(map[string]struct{}, len(cfg.AuthEndpoints)),
	}
	for _, p := range cfg.AuthEndpoints {
		d.auth[p] = struct{}{}
	}
	return d, nil
}

// Config returns the effective configuration.
func (d *Detector) Config() Config {
	return d.cfg
}

// block writes ip to the registry and returns the matching finding.
func (d *Detector) block(ctx context.Context, detector, ip, reason string, sev Severity, status int) Finding {
	f := Finding{
		Detector:   detector,
		Status:     status,
		Reason:     reason,
		Severity:   sev,
		RetryAfter: d.cfg.BlockDuration,
	}
	if err := d.blocks.Block(ctx, ip, d.cfg.BlockDuration, fmt.Sprintf("%s (%s severity)", reason, sev)); err != nil {
		d.skip(detector, ip, err)
		return f
	}
	f.Blocked = true
	d.metrics.Block(detector)
	klog.InfoS("Blocked identity", "event", "block", "detector", detector, "identifier", ip, "reason", reason, "severity", sev, "duration", d.cfg.BlockDuration)
	return f
}

// skip logs a detector-internal error; the detector's verdict is dropped.
func (d *Detector) skip(detector, ip string, err error) {
	klog.ErrorS(err, "Abuse detector failed, skipping", "event", "fail-open", "detector", detector, "identifier", ip)
	d.metrics.DetectorError(detector)
}

// incr increments a detector counter, setting its window on the first
// write or when it is found without expiry.
func (d *Detector) incr(ctx context.Context, key string, delta int64, window time.Duration) (int64, error) {
	res, err := d.store.Exec(ctx, store.OpIncrBy(key, delta), store.OpTTL(key))
	if err != nil {
		return 0, err
	}
	if res[1].TTL < 0 {
		if err := d.store.Expire(ctx, key, window); err != nil {
			return 0, err
		}
	}
	return res[0].Int, nil
}

func key(detector, id string) string {
	return "ddos:" + detector + ":" + id
}

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"k8s.io/klog/v2"
)

// Environment variables applied by LoadEnv.
const (
	EnvAddr             = "BASTION_ADDR"
	EnvStorage          = "BASTION_STORAGE"
	EnvRedisAddr        = "BASTION_REDIS_ADDR"
	EnvRedisPassword    = "BASTION_REDIS_PASSWORD"
	EnvRedisDB          = "BASTION_REDIS_DB"
	EnvIPAllowList      = "BASTION_IP_ALLOWLIST"
	EnvIPDenyList       = "BASTION_IP_DENYLIST"
	EnvGeoBlocking      = "BASTION_GEO_BLOCKING"
	EnvBlockedCountries = "BASTION_BLOCKED_COUNTRIES"
	EnvAdaptiveLimits   = "BASTION_ADAPTIVE_LIMITS"
	EnvAbuseDetection   = "BASTION_ABUSE_DETECTION"
	EnvCheckTimeout     = "BASTION_CHECK_TIMEOUT"
)

// DefaultEnvFiles are loaded by LoadEnv when no files are given. Earlier
// files win; variables already set in the process environment win over
// all of them.
var DefaultEnvFiles = []string{".env.local", ".env"}

// LoadEnv loads the given .env files, skipping missing ones, then applies
// the BASTION_* environment overrides to cfg.
func LoadEnv(cfg *Config, files ...string) error {
	if len(files) == 0 {
		files = DefaultEnvFiles
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("loading %s: %w", file, err)
		}
		klog.V(2).Infof("loaded environment from %s", file)
	}
	return applyEnv(cfg)
}

func applyEnv(cfg *Config) error {
	if v, ok := lookup(EnvAddr); ok {
		cfg.Server.Addr = v
	}
	if v, ok := lookup(EnvStorage); ok {
		cfg.Storage.Backend = strings.ToLower(v)
	}
	if v, ok := lookup(EnvRedisAddr); ok {
		host, port, err := net.SplitHostPort(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRedisAddr, err)
		}
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q: %w", EnvRedisAddr, port, err)
		}
		cfg.Storage.Redis.Host = host
		cfg.Storage.Redis.Port = n
	}
	if v, ok := lookup(EnvRedisPassword); ok {
		cfg.Storage.Redis.Password = v
	}
	if v, ok := lookup(EnvRedisDB); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRedisDB, err)
		}
		cfg.Storage.Redis.DB = n
	}
	if v, ok := lookup(EnvIPAllowList); ok {
		cfg.Policy.AllowList = splitList(v)
	}
	if v, ok := lookup(EnvIPDenyList); ok {
		cfg.Policy.DenyList = splitList(v)
	}
	if v, ok := lookup(EnvGeoBlocking); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvGeoBlocking, err)
		}
		cfg.Policy.GeoBlocking = b
	}
	if v, ok := lookup(EnvBlockedCountries); ok {
		cfg.Policy.BlockedCountries = splitList(v)
	}
	if v, ok := lookup(EnvAdaptiveLimits); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAdaptiveLimits, err)
		}
		cfg.Trust.Adaptive = b
		if b {
			cfg.Trust.Enabled = true
		}
	}
	if v, ok := lookup(EnvAbuseDetection); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAbuseDetection, err)
		}
		cfg.Abuse.Enabled = b
	}
	if v, ok := lookup(EnvCheckTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCheckTimeout, err)
		}
		cfg.Admission.CheckTimeout = d
	}
	return nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// splitList splits a comma separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

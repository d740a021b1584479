package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/SmitUplenchwar2687/Bastion/internal/limiter"
	"github.com/SmitUplenchwar2687/Bastion/internal/policy"
	"github.com/SmitUplenchwar2687/Bastion/internal/store"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Policy.Algorithm != limiter.AlgorithmTokenBucket {
		t.Errorf("default algorithm = %q, want %q", cfg.Policy.Algorithm, limiter.AlgorithmTokenBucket)
	}
	if got := cfg.Policy.Tiers[policy.TierFree].PerMinute; got != 100 {
		t.Errorf("free tier per minute = %d, want 100", got)
	}
	if cfg.Storage.Backend != store.BackendMemory {
		t.Errorf("default storage backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.Abuse.BurstThreshold != 100 || cfg.Abuse.LoginFailThreshold != 10 {
		t.Errorf("abuse defaults = %+v", cfg.Abuse.Config)
	}
}

func TestValidate_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid, got %v", err)
	}
}

func TestValidate_AllAlgorithms(t *testing.T) {
	for _, algo := range limiter.Algorithms {
		cfg := Default()
		cfg.Policy.Algorithm = algo
		if err := cfg.Validate(); err != nil {
			t.Errorf("algorithm %q should be valid, got %v", algo, err)
		}
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "etcd" }},
		{"redis without host", func(c *Config) {
			c.Storage.Backend = store.BackendRedis
			c.Storage.Redis.Host = ""
		}},
		{"cluster without nodes", func(c *Config) {
			c.Storage.Backend = store.BackendRedis
			c.Storage.Redis.Cluster = true
		}},
		{"unknown algorithm", func(c *Config) { c.Policy.Algorithm = "magic" }},
		{"free tier missing", func(c *Config) {
			c.Policy.Tiers = map[policy.Tier]policy.TierLimits{policy.TierPro: {PerMinute: 10}}
		}},
		{"zero quota", func(c *Config) {
			c.Policy.Tiers = map[policy.Tier]policy.TierLimits{policy.TierFree: {PerMinute: 0}}
		}},
		{"bad deny entry", func(c *Config) { c.Policy.DenyList = []string{"not-an-ip"} }},
		{"adaptive without trust", func(c *Config) {
			c.Trust.Enabled = false
			c.Trust.Adaptive = true
		}},
		{"negative timeout", func(c *Config) { c.Admission.CheckTimeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestLoadFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bastion.yaml")
	content := `
server:
  addr: ":9090"
  client_ip_headers: ["CF-Connecting-IP"]
storage:
  backend: redis
  redis:
    host: redis.internal
policy:
  tiers:
    pro:
      per_minute: 250
  endpoints:
    - pattern: /api/search
      policy:
        points: 5
        duration: 10s
  deny_list: ["198.51.100.0/24"]
abuse:
  burst_threshold: 40
  burst_window: 2s
trust:
  adaptive: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Server.Addr)
	}
	if len(cfg.Server.ClientIPHeaders) != 1 || cfg.Server.ClientIPHeaders[0] != "CF-Connecting-IP" {
		t.Errorf("client ip headers = %v", cfg.Server.ClientIPHeaders)
	}
	if cfg.Storage.Backend != store.BackendRedis || cfg.Storage.Redis.Host != "redis.internal" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	// Defaults for unspecified fields are kept.
	if cfg.Storage.Redis.Port != 6379 {
		t.Errorf("redis port = %d, want default 6379", cfg.Storage.Redis.Port)
	}
	if got := cfg.Policy.Tiers[policy.TierPro].PerMinute; got != 250 {
		t.Errorf("pro per minute = %d, want 250", got)
	}
	if got := cfg.Policy.Tiers[policy.TierFree].PerMinute; got != 100 {
		t.Errorf("free per minute = %d, want default 100", got)
	}
	if len(cfg.Policy.Endpoints) != 1 || cfg.Policy.Endpoints[0].Policy.Duration != 10*time.Second {
		t.Errorf("endpoints = %+v", cfg.Policy.Endpoints)
	}
	if cfg.Abuse.BurstThreshold != 40 || cfg.Abuse.BurstWindow != 2*time.Second {
		t.Errorf("burst = %d/%s, want 40/2s", cfg.Abuse.BurstThreshold, cfg.Abuse.BurstWindow)
	}
	if cfg.Abuse.PatternThreshold != 10 {
		t.Errorf("pattern threshold = %d, want default 10", cfg.Abuse.PatternThreshold)
	}
	if !cfg.Trust.Adaptive || !cfg.Trust.Enabled {
		t.Errorf("trust = %+v", cfg.Trust)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should be valid, got %v", err)
	}
}

func TestLoadFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bastion.json")
	content := `{
  "server": {"addr": ":7070"},
  "admission": {"check_timeout": "100ms"},
  "policy": {"algorithm": "sliding_window"}
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("addr = %q, want :7070", cfg.Server.Addr)
	}
	if cfg.Admission.CheckTimeout != 100*time.Millisecond {
		t.Errorf("check timeout = %s, want 100ms", cfg.Admission.CheckTimeout)
	}
	if cfg.Policy.Algorithm != limiter.AlgorithmSlidingWindow {
		t.Errorf("algorithm = %q, want sliding_window", cfg.Policy.Algorithm)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte("{not json"), 0o644)
	if _, err := LoadFile(bad); err == nil {
		t.Error("expected error for invalid JSON")
	}

	badDuration := filepath.Join(dir, "duration.yaml")
	os.WriteFile(badDuration, []byte("admission:\n  check_timeout: soon\n"), 0o644)
	if _, err := LoadFile(badDuration); err == nil {
		t.Error("expected error for invalid duration")
	}

	toml := filepath.Join(dir, "bastion.toml")
	os.WriteFile(toml, []byte("addr = 1"), 0o644)
	if _, err := LoadFile(toml); err == nil {
		t.Error("expected error for unsupported extension")
	}
}

func TestWriteExample_RoundTrip(t *testing.T) {
	for _, name := range []string{"example.yaml", "example.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := WriteExample(path); err != nil {
				t.Fatalf("WriteExample() error = %v", err)
			}

			cfg, err := LoadFile(path)
			if err != nil {
				t.Fatalf("LoadFile() error = %v", err)
			}
			if err := cfg.Validate(); err != nil {
				t.Errorf("example config should be valid, got %v", err)
			}
			if cfg.Abuse.LoginFailWindow != 5*time.Minute {
				t.Errorf("login fail window = %s, want 5m", cfg.Abuse.LoginFailWindow)
			}
		})
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "BASTION_IP_DENYLIST=203.0.113.0/24, 198.51.100.4\nBASTION_GEO_BLOCKING=true\n"
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvRedisAddr, "cache:6380")
	t.Setenv(EnvBlockedCountries, "kp,ir")
	t.Setenv(EnvCheckTimeout, "50ms")
	t.Cleanup(func() {
		os.Unsetenv(EnvIPDenyList)
		os.Unsetenv(EnvGeoBlocking)
	})

	cfg := Default()
	if err := LoadEnv(&cfg, envFile, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}

	if cfg.Storage.Redis.Host != "cache" || cfg.Storage.Redis.Port != 6380 {
		t.Errorf("redis = %s:%d, want cache:6380", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port)
	}
	if len(cfg.Policy.DenyList) != 2 || cfg.Policy.DenyList[1] != "198.51.100.4" {
		t.Errorf("deny list = %v", cfg.Policy.DenyList)
	}
	if !cfg.Policy.GeoBlocking {
		t.Error("geo blocking should be enabled from .env")
	}
	if len(cfg.Policy.BlockedCountries) != 2 {
		t.Errorf("blocked countries = %v", cfg.Policy.BlockedCountries)
	}
	if cfg.Admission.CheckTimeout != 50*time.Millisecond {
		t.Errorf("check timeout = %s, want 50ms", cfg.Admission.CheckTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("config should be valid, got %v", err)
	}
}

func TestLoadEnv_Invalid(t *testing.T) {
	tests := map[string]string{
		EnvRedisAddr:      "no-port",
		EnvRedisDB:        "zero",
		EnvGeoBlocking:    "maybe",
		EnvAdaptiveLimits: "perhaps",
		EnvCheckTimeout:   "fast",
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, value)
			cfg := Default()
			if err := LoadEnv(&cfg, filepath.Join(t.TempDir(), "none.env")); err == nil {
				t.Errorf("LoadEnv() with %s=%q should fail", name, value)
			}
		})
	}
}

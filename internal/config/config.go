// Package config loads the immutable Bastion configuration: server and
// storage settings, the policy rule set, abuse detector thresholds and trust
// options. Values are read once at startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SmitUplenchwar2687/Bastion/internal/abuse"
	"github.com/SmitUplenchwar2687/Bastion/internal/admission"
	"github.com/SmitUplenchwar2687/Bastion/internal/limiter"
	"github.com/SmitUplenchwar2687/Bastion/internal/policy"
	"github.com/SmitUplenchwar2687/Bastion/internal/store"
	"github.com/SmitUplenchwar2687/Bastion/internal/trust"
)

// Config is the top-level configuration for a Bastion process.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Policy    PolicyConfig    `json:"policy" yaml:"policy"`
	Abuse     AbuseConfig     `json:"abuse" yaml:"abuse"`
	Trust     TrustConfig     `json:"trust" yaml:"trust"`
	Admission AdmissionConfig `json:"admission" yaml:"admission"`
	Recorder  RecorderConfig  `json:"recorder" yaml:"recorder"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
	// Admin mounts the /admin API.
	Admin bool `json:"admin" yaml:"admin"`
	// ClientIPHeaders are trusted, in order, for the client address. Only
	// list headers the proxy in front of Bastion overwrites. Empty keeps
	// X-Forwarded-For then X-Real-IP; ["none"] uses the connection address.
	ClientIPHeaders []string `json:"client_ip_headers,omitempty" yaml:"client_ip_headers,omitempty"`
}

// StorageConfig selects and configures the counter store.
type StorageConfig struct {
	Backend string            `json:"backend" yaml:"backend"`
	Memory  store.MemoryConfig `json:"memory" yaml:"memory"`
	Redis   store.RedisConfig  `json:"redis" yaml:"redis"`
}

// PolicyConfig is the quota rule set.
type PolicyConfig struct {
	Tiers            map[policy.Tier]policy.TierLimits `json:"tiers" yaml:"tiers"`
	Endpoints        []policy.EndpointOverride         `json:"endpoints" yaml:"endpoints"`
	AllowList        []string                          `json:"allow_list" yaml:"allow_list"`
	DenyList         []string                          `json:"deny_list" yaml:"deny_list"`
	GeoBlocking      bool                              `json:"geo_blocking" yaml:"geo_blocking"`
	BlockedCountries []string                          `json:"blocked_countries" yaml:"blocked_countries"`
	BypassRoles      []string                          `json:"bypass_roles" yaml:"bypass_roles"`
	BypassTiers      []policy.Tier                     `json:"bypass_tiers" yaml:"bypass_tiers"`
	Algorithm        limiter.Algorithm                 `json:"algorithm" yaml:"algorithm"`
	CacheSize        int                               `json:"cache_size" yaml:"cache_size"`
	// Organizations maps user ids to tiers for deployments without an
	// organization service.
	Organizations map[string]policy.Tier `json:"organizations" yaml:"organizations"`
}

// Resolver converts c into a resolver rule set.
func (c PolicyConfig) Resolver() policy.Config {
	return policy.Config{
		Tiers:            c.Tiers,
		Endpoints:        c.Endpoints,
		AllowList:        c.AllowList,
		DenyList:         c.DenyList,
		GeoBlocking:      c.GeoBlocking,
		BlockedCountries: c.BlockedCountries,
		BypassRoles:      c.BypassRoles,
		BypassTiers:      c.BypassTiers,
		DefaultAlgorithm: c.Algorithm,
		CacheSize:        c.CacheSize,
	}
}

// TierLookup returns the static organization table, or nil when empty.
func (c PolicyConfig) TierLookup() policy.TierLookup {
	if len(c.Organizations) == 0 {
		return nil
	}
	return policy.StaticTiers(c.Organizations)
}

// AbuseConfig toggles and tunes the abuse detectors.
type AbuseConfig struct {
	Enabled      bool `json:"enabled" yaml:"enabled"`
	abuse.Config `yaml:",inline"`
}

// TrustConfig toggles trust scoring and adaptive limits.
type TrustConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	Adaptive   bool          `json:"adaptive" yaml:"adaptive"`
	CacheTTL   time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	CounterTTL time.Duration `json:"counter_ttl" yaml:"counter_ttl"`
}

// Engine returns the trust engine settings.
func (c TrustConfig) Engine() trust.Config {
	return trust.Config{CacheTTL: c.CacheTTL, CounterTTL: c.CounterTTL}
}

// AdmissionConfig bounds the admission pipeline.
type AdmissionConfig struct {
	CheckTimeout time.Duration `json:"check_timeout" yaml:"check_timeout"`
}

// RecorderConfig enables traffic recording.
type RecorderConfig struct {
	File       string `json:"file" yaml:"file"`
	MaxRecords int    `json:"max_records" yaml:"max_records"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	resolver := policy.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Addr:  ":8080",
			Admin: true,
		},
		Storage: StorageConfig{
			Backend: store.BackendMemory,
			Memory:  store.MemoryConfig{CleanupInterval: time.Minute},
			Redis: store.RedisConfig{
				Host:        "localhost",
				Port:        6379,
				PoolSize:    20,
				MaxRetries:  3,
				DialTimeout: 5 * time.Second,
				OpTimeout:   250 * time.Millisecond,
			},
		},
		Policy: PolicyConfig{
			Tiers:       resolver.Tiers,
			BypassRoles: resolver.BypassRoles,
			BypassTiers: resolver.BypassTiers,
			Algorithm:   resolver.DefaultAlgorithm,
		},
		Abuse: AbuseConfig{
			Enabled: true,
			Config:  abuse.DefaultConfig(),
		},
		Trust: TrustConfig{
			Enabled:    true,
			CacheTTL:   trust.DefaultCacheTTL,
			CounterTTL: trust.DefaultCounterTTL,
		},
		Admission: AdmissionConfig{
			CheckTimeout: admission.DefaultCheckTimeout,
		},
		Recorder: RecorderConfig{
			MaxRecords: 100000,
		},
	}
}

// Validate checks that the config is valid.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	switch c.Storage.Backend {
	case store.BackendMemory:
		if c.Storage.Memory.CleanupInterval < 0 {
			return fmt.Errorf("storage.memory.cleanup_interval must not be negative, got %s", c.Storage.Memory.CleanupInterval)
		}
	case store.BackendRedis:
		r := c.Storage.Redis
		if r.Cluster {
			if len(r.ClusterNodes) == 0 {
				return fmt.Errorf("storage.redis.cluster_nodes must not be empty in cluster mode")
			}
		} else if r.Host == "" {
			return fmt.Errorf("storage.redis.host must not be empty")
		}
	default:
		return fmt.Errorf("unknown storage backend %q, must be one of: memory, redis", c.Storage.Backend)
	}

	if _, err := policy.NewResolver(c.Policy.Resolver(), nil, nil); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if c.Trust.Adaptive && !c.Trust.Enabled {
		return fmt.Errorf("trust.adaptive requires trust.enabled")
	}
	if c.Admission.CheckTimeout < 0 {
		return fmt.Errorf("admission.check_timeout must not be negative, got %s", c.Admission.CheckTimeout)
	}
	if c.Recorder.MaxRecords < 0 {
		return fmt.Errorf("recorder.max_records must not be negative, got %d", c.Recorder.MaxRecords)
	}
	return nil
}

// LoadFile reads a YAML or JSON config file, chosen by extension, and
// merges it over the defaults. Fields not specified in the file retain
// their default values; durations are written as strings like "1m".
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if !json.Valid(data) {
			return cfg, fmt.Errorf("parsing config file: invalid JSON")
		}
	case ".yaml", ".yml":
	default:
		return cfg, fmt.Errorf("unsupported config file extension %q, must be .yaml, .yml or .json", ext)
	}

	// JSON is a subset of YAML, so one decoder handles both and parses
	// string durations the same way.
	cfg.Policy.Tiers = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	// Tiers merge per entry: a file naming only "pro" keeps the other
	// built-in tiers.
	if cfg.Policy.Tiers == nil {
		cfg.Policy.Tiers = make(map[policy.Tier]policy.TierLimits)
	}
	for t, l := range policy.DefaultTiers() {
		if _, ok := cfg.Policy.Tiers[t]; !ok {
			cfg.Policy.Tiers[t] = l
		}
	}
	return cfg, nil
}

// WriteExample writes the default configuration to path, as JSON for a
// .json extension and YAML otherwise.
func WriteExample(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("encoding example config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("encoding example config: %w", err)
		}
		if data, err = json.MarshalIndent(doc, "", "  "); err != nil {
			return fmt.Errorf("encoding example config: %w", err)
		}
		data = append(data, '\n')
	}
	return os.WriteFile(path, data, 0o644)
}

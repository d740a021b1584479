package config

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SmitUplenchwar2687/Bastion/internal/abuse"
	"github.com/SmitUplenchwar2687/Bastion/internal/admission"
	"github.com/SmitUplenchwar2687/Bastion/internal/blocklist"
	"github.com/SmitUplenchwar2687/Bastion/internal/clock"
	"github.com/SmitUplenchwar2687/Bastion/internal/limiter"
	"github.com/SmitUplenchwar2687/Bastion/internal/metrics"
	"github.com/SmitUplenchwar2687/Bastion/internal/policy"
	"github.com/SmitUplenchwar2687/Bastion/internal/store"
	"github.com/SmitUplenchwar2687/Bastion/internal/trust"
)

// Stack is a fully wired admission stack sharing one store and clock.
// Trust and Abuse are nil when disabled.
type Stack struct {
	Store    store.Store
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Limiter  *limiter.Engine
	Blocks   *blocklist.Registry
	Resolver *policy.Resolver
	Trust    *trust.Engine
	Abuse    *abuse.Detector
	Pipeline *admission.Pipeline
}

// OpenStore creates the configured counter store. The memory backend runs
// on clk.
func (c StorageConfig) OpenStore(clk clock.Clock) (store.Store, error) {
	switch c.Backend {
	case store.BackendMemory, "":
		mem := c.Memory
		mem.Clock = clk
		s, err := store.NewMemoryStore(&mem)
		if err != nil {
			return nil, err
		}
		return s, nil
	case store.BackendRedis:
		redisCfg := c.Redis
		s, err := store.NewRedisStore(&redisCfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.Backend)
	}
}

// Build validates c and wires the admission stack over s. accounts may be
// nil, in which case account age and verification do not contribute to
// trust scores. reg may be nil.
func (c Config) Build(s store.Store, clk clock.Clock, accounts trust.AccountDirectory, reg prometheus.Registerer) (*Stack, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m := metrics.New(reg)
	lim, err := limiter.NewEngine(s, clk, m)
	if err != nil {
		return nil, err
	}
	st := &Stack{
		Store:   s,
		Clock:   clk,
		Metrics: m,
		Limiter: lim,
		Blocks:  blocklist.New(s, clk, m),
	}

	st.Resolver, err = policy.NewResolver(c.Policy.Resolver(), st.Blocks, c.Policy.TierLookup())
	if err != nil {
		return nil, err
	}
	if c.Trust.Enabled {
		st.Trust = trust.New(s, clk, lim, accounts, m, c.Trust.Engine())
	}
	if c.Abuse.Enabled {
		st.Abuse, err = abuse.New(s, clk, lim, st.Blocks, m, c.Abuse.Config)
		if err != nil {
			return nil, err
		}
	}

	st.Pipeline, err = admission.New(admission.Options{
		Resolver:     st.Resolver,
		Limiter:      lim,
		Trust:        st.Trust,
		Abuse:        st.Abuse,
		Metrics:      m,
		Adaptive:     c.Trust.Adaptive,
		CheckTimeout: c.Admission.CheckTimeout,
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Close closes the underlying store.
func (s *Stack) Close() error {
	return s.Store.Close()
}

package cli

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/SmitUplenchwar2687/Bastion/internal/clock"
	"github.com/SmitUplenchwar2687/Bastion/internal/config"
	"github.com/SmitUplenchwar2687/Bastion/internal/store"
)

// loadConfig reads the --config file when given, then applies the
// environment overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return cfg, err
		}
		klog.V(2).Infof("loaded config from %s", path)
	}
	if err := config.LoadEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func openStore(cfg config.StorageConfig, c clock.Clock) (store.Store, error) {
	return cfg.OpenStore(c)
}

// buildComponents wires the admission stack over s. The CLI has no account
// service, so trust scores come from store-held history only.
func buildComponents(cfg config.Config, s store.Store, c clock.Clock, reg prometheus.Registerer) (*config.Stack, error) {
	return cfg.Build(s, c, nil, reg)
}

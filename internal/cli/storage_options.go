package cli

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Bastion/internal/config"
	"github.com/SmitUplenchwar2687/Bastion/internal/store"
)

type storageOptions struct {
	backend               string
	memoryCleanupInterval time.Duration
	redisHost             string
	redisPort             int
	redisPassword         string
	redisDB               int
	redisCluster          bool
	redisClusterNodes     []string
	redisPoolSize         int
	redisMaxRetries       int
	redisDialTimeout      time.Duration
	redisOpTimeout        time.Duration
}

func (o *storageOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.backend, "storage", store.BackendMemory, "storage backend (memory, redis)")
	cmd.Flags().DurationVar(&o.memoryCleanupInterval, "storage-memory-cleanup-interval", time.Minute, "cleanup interval for memory storage backend")
	cmd.Flags().StringVar(&o.redisHost, "redis-host", "localhost", "redis host (or host:port)")
	cmd.Flags().IntVar(&o.redisPort, "redis-port", 6379, "redis port")
	cmd.Flags().StringVar(&o.redisPassword, "redis-password", "", "redis password")
	cmd.Flags().IntVar(&o.redisDB, "redis-db", 0, "redis database index")
	cmd.Flags().BoolVar(&o.redisCluster, "redis-cluster", false, "enable redis cluster mode")
	cmd.Flags().StringSliceVar(&o.redisClusterNodes, "redis-cluster-nodes", nil, "redis cluster nodes host:port list")
	cmd.Flags().IntVar(&o.redisPoolSize, "redis-pool-size", 20, "redis connection pool size")
	cmd.Flags().IntVar(&o.redisMaxRetries, "redis-max-retries", 3, "redis max retries")
	cmd.Flags().DurationVar(&o.redisDialTimeout, "redis-dial-timeout", 5*time.Second, "redis dial timeout")
	cmd.Flags().DurationVar(&o.redisOpTimeout, "redis-op-timeout", 250*time.Millisecond, "upper bound for a single redis call")
}

// applyTo overrides cfg with every storage flag set on the command line.
// Flags left at their defaults keep the configured values.
func (o *storageOptions) applyTo(cmd *cobra.Command, cfg *config.StorageConfig) error {
	changed := cmd.Flags().Changed

	if changed("storage") {
		cfg.Backend = o.backend
	}
	if changed("storage-memory-cleanup-interval") {
		cfg.Memory.CleanupInterval = o.memoryCleanupInterval
	}
	if changed("redis-host") || changed("redis-port") {
		host, port := cfg.Redis.Host, cfg.Redis.Port
		if changed("redis-host") {
			host = o.redisHost
		}
		if changed("redis-port") {
			port = o.redisPort
		}
		h, p, err := normalizeRedisHostPort(host, port)
		if err != nil {
			return err
		}
		cfg.Redis.Host, cfg.Redis.Port = h, p
	}
	if changed("redis-password") {
		cfg.Redis.Password = o.redisPassword
	}
	if changed("redis-db") {
		cfg.Redis.DB = o.redisDB
	}
	if changed("redis-cluster") {
		cfg.Redis.Cluster = o.redisCluster
	}
	if changed("redis-cluster-nodes") {
		cfg.Redis.ClusterNodes = append([]string(nil), o.redisClusterNodes...)
	}
	if changed("redis-pool-size") {
		cfg.Redis.PoolSize = o.redisPoolSize
	}
	if changed("redis-max-retries") {
		cfg.Redis.MaxRetries = o.redisMaxRetries
	}
	if changed("redis-dial-timeout") {
		cfg.Redis.DialTimeout = o.redisDialTimeout
	}
	if changed("redis-op-timeout") {
		cfg.Redis.OpTimeout = o.redisOpTimeout
	}
	return nil
}

func normalizeRedisHostPort(host string, port int) (string, int, error) {
	if strings.Contains(host, ":") {
		h, p, err := net.SplitHostPort(host)
		if err != nil {
			return "", 0, fmt.Errorf("invalid --redis-host value %q: %w", host, err)
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("invalid redis port in --redis-host %q: %w", host, err)
		}
		host = h
		port = n
	}

	if host == "" {
		return "", 0, fmt.Errorf("redis host cannot be empty")
	}
	if port <= 0 {
		return "", 0, fmt.Errorf("redis port must be positive, got %d", port)
	}

	return host, port, nil
}

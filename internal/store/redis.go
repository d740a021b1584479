package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
)

const (
	defaultRedisPoolSize    = 20
	defaultRedisMaxRetries  = 3
	defaultRedisDialTimeout = 5 * time.Second
	defaultRedisOpTimeout   = 250 * time.Millisecond
	defaultScanCount        = 500
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	Password     string        `json:"password" yaml:"password"`
	DB           int           `json:"db" yaml:"db"`
	Cluster      bool          `json:"cluster" yaml:"cluster"`
	ClusterNodes []string      `json:"cluster_nodes" yaml:"cluster_nodes"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	// OpTimeout bounds every call on top of the caller's context, so an
	// admission check never waits on a slow store longer than this.
	OpTimeout time.Duration `json:"op_timeout" yaml:"op_timeout"`
}

// RedisStore is the reference Store, backed by a single node or a cluster.
// Exec batches run inside MULTI/EXEC.
type RedisStore struct {
	client    redis.UniversalClient
	opTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewRedisStore constructs a Redis backend and verifies connectivity.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	conf, err := normalizeRedisConfig(cfg)
	if err != nil {
		return nil, err
	}

	s := NewRedisStoreFromClient(newRedisClient(conf), conf.OpTimeout)
	if err := s.pingWithRetry(context.Background(), conf.MaxRetries); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes
// ownership and closes the client on Close.
func NewRedisStoreFromClient(client redis.UniversalClient, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = defaultRedisOpTimeout
	}
	return &RedisStore{client: client, opTimeout: opTimeout}
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	n, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, classify("incrby", err)
	}
	return n, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return classify("expire", s.client.PExpire(ctx, key, ttl).Err())
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, classify("ttl", err)
	}
	return d, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return classify("zadd", s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) ZRem(ctx context.Context, key string, member string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return classify("zrem", s.client.ZRem(ctx, key, member).Err())
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return classify("zremrangebyscore", s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err())
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, classify("zcard", err)
	}
	return n, nil
}

func (s *RedisStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	n, err := s.client.ZCount(ctx, key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, classify("zcount", err)
	}
	return n, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("get", err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return classify("set", s.client.Set(ctx, key, value, 0).Err())
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return classify("set", s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return classify("del", s.client.Del(ctx, keys...).Err())
}

// Scan walks the key space with SCAN MATCH prefix*. In cluster mode every
// master is scanned.
func (s *RedisStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(prefix) + "*"

	if cc, ok := s.client.(*redis.ClusterClient); ok {
		var (
			mu   sync.Mutex
			keys []string
		)
		err := cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			found, err := scanNode(ctx, node, pattern)
			if err != nil {
				return err
			}
			mu.Lock()
			keys = append(keys, found...)
			mu.Unlock()
			return nil
		})
		if err != nil {
			return nil, classify("scan", err)
		}
		return keys, nil
	}

	keys, err := scanNode(ctx, s.client, pattern)
	if err != nil {
		return nil, classify("scan", err)
	}
	return keys, nil
}

func scanNode(ctx context.Context, c redis.Cmdable, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		page, next, err := c.Scan(ctx, cursor, pattern, defaultScanCount).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, page...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Exec runs ops inside MULTI/EXEC. In cluster mode all keys of one batch
// must hash to the same slot; callers keep a batch on one identity key.
func (s *RedisStore) Exec(ctx context.Context, ops ...Op) ([]Result, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	cmds := make([]redis.Cmder, len(ops))
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, op := range ops {
			cmd, err := queue(ctx, pipe, op)
			if err != nil {
				return err
			}
			cmds[i] = cmd
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, classify("exec", err)
	}

	results := make([]Result, len(ops))
	for i, op := range ops {
		res, err := readResult(op, cmds[i])
		if err != nil {
			return nil, classify(op.Cmd.String(), err)
		}
		results[i] = res
	}
	return results, nil
}

func queue(ctx context.Context, pipe redis.Pipeliner, op Op) (redis.Cmder, error) {
	switch op.Cmd {
	case CmdIncrBy:
		return pipe.IncrBy(ctx, op.Key, op.Delta), nil
	case CmdExpire:
		return pipe.PExpire(ctx, op.Key, op.TTL), nil
	case CmdTTL:
		return pipe.PTTL(ctx, op.Key), nil
	case CmdGet:
		return pipe.Get(ctx, op.Key), nil
	case CmdSet:
		return pipe.Set(ctx, op.Key, op.Value, op.TTL), nil
	case CmdDelete:
		return pipe.Del(ctx, op.Key), nil
	case CmdZAdd:
		return pipe.ZAdd(ctx, op.Key, redis.Z{Score: op.Score, Member: op.Member}), nil
	case CmdZRem:
		return pipe.ZRem(ctx, op.Key, op.Member), nil
	case CmdZRemRangeByScore:
		return pipe.ZRemRangeByScore(ctx, op.Key, formatScore(op.Min), formatScore(op.Max)), nil
	case CmdZCard:
		return pipe.ZCard(ctx, op.Key), nil
	case CmdZCount:
		return pipe.ZCount(ctx, op.Key, formatScore(op.Min), formatScore(op.Max)), nil
	default:
		return nil, fmt.Errorf("unsupported command %d", op.Cmd)
	}
}

func readResult(op Op, cmd redis.Cmder) (Result, error) {
	switch c := cmd.(type) {
	case *redis.IntCmd:
		n, err := c.Result()
		if err != nil {
			return Result{}, err
		}
		return Result{Int: n}, nil
	case *redis.BoolCmd:
		ok, err := c.Result()
		if err != nil {
			return Result{}, err
		}
		if ok {
			return Result{Int: 1}, nil
		}
		return Result{}, nil
	case *redis.DurationCmd:
		d, err := c.Result()
		if err != nil {
			return Result{}, err
		}
		return Result{TTL: d}, nil
	case *redis.StringCmd:
		v, err := c.Result()
		if errors.Is(err, redis.Nil) {
			return Result{}, nil
		}
		if err != nil {
			return Result{}, err
		}
		return Result{Value: v, Found: true}, nil
	case *redis.StatusCmd:
		return Result{}, c.Err()
	default:
		return Result{}, fmt.Errorf("unexpected reply type %T for %s", cmd, op.Cmd)
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return classify("ping", s.client.Ping(ctx).Err())
}

// Close releases Redis resources. It is idempotent.
func (s *RedisStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) pingWithRetry(ctx context.Context, maxRetries int) error {
	attempts := maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	backoff := 100 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := s.client.Ping(ctx).Err()
		if err == nil {
			return nil
		}
		lastErr = err
		klog.V(2).Infof("redis ping attempt %d/%d failed: %v", i+1, attempts, err)

		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	if lastErr == nil {
		lastErr = errors.New("ping failed with unknown error")
	}
	return lastErr
}

func normalizeRedisConfig(cfg *RedisConfig) (*RedisConfig, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	conf := *cfg
	if conf.PoolSize <= 0 {
		conf.PoolSize = defaultRedisPoolSize
	}
	if conf.MaxRetries <= 0 {
		conf.MaxRetries = defaultRedisMaxRetries
	}
	if conf.DialTimeout <= 0 {
		conf.DialTimeout = defaultRedisDialTimeout
	}
	if conf.OpTimeout <= 0 {
		conf.OpTimeout = defaultRedisOpTimeout
	}

	if conf.Cluster {
		if len(conf.ClusterNodes) == 0 {
			return nil, fmt.Errorf("cluster_nodes is required when cluster=true")
		}
	} else {
		if conf.Host == "" {
			return nil, fmt.Errorf("host is required when cluster=false")
		}
		if conf.Port <= 0 {
			return nil, fmt.Errorf("port must be positive when cluster=false, got %d", conf.Port)
		}
	}

	return &conf, nil
}

func newRedisClient(cfg *RedisConfig) redis.UniversalClient {
	if cfg.Cluster {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:       cfg.ClusterNodes,
			Password:    cfg.Password,
			PoolSize:    cfg.PoolSize,
			MaxRetries:  cfg.MaxRetries,
			DialTimeout: cfg.DialTimeout,
		})
	}

	return redis.NewClient(&redis.Options{
		Addr:        cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
	})
}

// classify wraps backend failures. WRONGTYPE replies keep ErrWrongType;
// everything else is treated as unavailability.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var rerr redis.Error
	if errors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), "WRONGTYPE") {
		return fmt.Errorf("redis %s: %w: %w", op, ErrWrongType, err)
	}
	return fmt.Errorf("redis %s: %w: %w", op, ErrUnavailable, err)
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}

func escapeGlob(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

package store

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/SmitUplenchwar2687/Bastion/internal/clock"
)

const defaultCleanupInterval = time.Minute

// MemoryConfig configures the in-memory backend.
type MemoryConfig struct {
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	Clock           clock.Clock   `json:"-" yaml:"-"`
}

// MemoryStore is an in-process Store. Every operation, and every Exec
// batch, runs inside one critical section, which gives the same atomicity
// as MULTI/EXEC on a single node. Its state is local to the process, so it
// only serves tests, replay and single-instance development.
//
// Expiry is evaluated lazily against the configured clock on every access;
// the background purge only reclaims memory.
type MemoryStore struct {
	mu sync.Mutex

	clock           clock.Clock
	cleanupInterval time.Duration
	entries         map[string]*entry
	closed          bool

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

type entry struct {
	str      string
	zset     map[string]float64
	expireAt time.Time
}

func (e *entry) isZSet() bool {
	return e.zset != nil
}

// NewMemoryStore constructs a memory-backed Store.
func NewMemoryStore(cfg *MemoryConfig) (*MemoryStore, error) {
	settings := MemoryConfig{
		CleanupInterval: defaultCleanupInterval,
		Clock:           clock.NewRealClock(),
	}
	if cfg != nil {
		if cfg.CleanupInterval < 0 {
			return nil, fmt.Errorf("cleanup_interval must not be negative, got %s", cfg.CleanupInterval)
		}
		if cfg.CleanupInterval > 0 {
			settings.CleanupInterval = cfg.CleanupInterval
		}
		if cfg.Clock != nil {
			settings.Clock = cfg.Clock
		}
	}

	s := &MemoryStore{
		clock:           settings.Clock,
		cleanupInterval: settings.CleanupInterval,
		entries:         make(map[string]*entry),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	go s.cleanupLoop()
	return s, nil
}

func (s *MemoryStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	res, err := s.Exec(ctx, OpIncrBy(key, delta))
	if err != nil {
		return 0, err
	}
	return res[0].Int, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.Exec(ctx, OpExpire(key, ttl))
	return err
}

func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	res, err := s.Exec(ctx, OpTTL(key))
	if err != nil {
		return 0, err
	}
	return res[0].TTL, nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := s.Exec(ctx, OpZAdd(key, score, member))
	return err
}

func (s *MemoryStore) ZRem(ctx context.Context, key string, member string) error {
	_, err := s.Exec(ctx, OpZRem(key, member))
	return err
}

func (s *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	_, err := s.Exec(ctx, OpZRemRangeByScore(key, min, max))
	return err
}

func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	res, err := s.Exec(ctx, OpZCard(key))
	if err != nil {
		return 0, err
	}
	return res[0].Int, nil
}

func (s *MemoryStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	res, err := s.Exec(ctx, OpZCount(key, min, max))
	if err != nil {
		return 0, err
	}
	return res[0].Int, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := s.Exec(ctx, OpGet(key))
	if err != nil {
		return "", false, err
	}
	return res[0].Value, res[0].Found, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	_, err := s.Exec(ctx, OpSet(key, value, 0))
	return err
}

func (s *MemoryStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}
	_, err := s.Exec(ctx, OpSet(key, value, ttl))
	return err
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	ops := make([]Op, len(keys))
	for i, k := range keys {
		ops[i] = OpDelete(k)
	}
	_, err := s.Exec(ctx, ops...)
	return err
}

func (s *MemoryStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	now := s.clock.Now()
	var keys []string
	for k, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Exec applies ops in order inside a single critical section.
func (s *MemoryStore) Exec(ctx context.Context, ops ...Op) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	for _, op := range ops {
		if op.Key == "" {
			return nil, fmt.Errorf("%s: key is required", op.Cmd)
		}
	}

	now := s.clock.Now()
	results := make([]Result, len(ops))
	for i, op := range ops {
		res, err := s.apply(now, op)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", op.Cmd, op.Key, err)
		}
		results[i] = res
	}
	return results, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close stops the purge loop. It is idempotent.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stopCh)
		<-s.doneCh
	})
	return nil
}

// Len returns the number of live keys. Intended for tests.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	n := 0
	for _, e := range s.entries {
		if !s.expired(e, now) {
			n++
		}
	}
	return n
}

// apply runs a single op. Must be called with s.mu held.
func (s *MemoryStore) apply(now time.Time, op Op) (Result, error) {
	e := s.lookup(now, op.Key)

	switch op.Cmd {
	case CmdIncrBy:
		if e == nil {
			s.entries[op.Key] = &entry{str: strconv.FormatInt(op.Delta, 10)}
			return Result{Int: op.Delta}, nil
		}
		if e.isZSet() {
			return Result{}, ErrWrongType
		}
		n, err := strconv.ParseInt(e.str, 10, 64)
		if err != nil {
			return Result{}, fmt.Errorf("value is not an integer: %w", ErrWrongType)
		}
		n += op.Delta
		e.str = strconv.FormatInt(n, 10)
		return Result{Int: n}, nil

	case CmdExpire:
		if e == nil {
			return Result{Int: 0}, nil
		}
		if op.TTL <= 0 {
			delete(s.entries, op.Key)
			return Result{Int: 1}, nil
		}
		e.expireAt = now.Add(op.TTL)
		return Result{Int: 1}, nil

	case CmdTTL:
		if e == nil {
			return Result{TTL: TTLMissing}, nil
		}
		if e.expireAt.IsZero() {
			return Result{TTL: TTLPersistent}, nil
		}
		return Result{TTL: e.expireAt.Sub(now)}, nil

	case CmdGet:
		if e == nil {
			return Result{}, nil
		}
		if e.isZSet() {
			return Result{}, ErrWrongType
		}
		return Result{Value: e.str, Found: true}, nil

	case CmdSet:
		ne := &entry{str: op.Value}
		if op.TTL > 0 {
			ne.expireAt = now.Add(op.TTL)
		}
		s.entries[op.Key] = ne
		return Result{}, nil

	case CmdDelete:
		if e == nil {
			return Result{Int: 0}, nil
		}
		delete(s.entries, op.Key)
		return Result{Int: 1}, nil

	case CmdZAdd:
		if e == nil {
			e = &entry{zset: make(map[string]float64)}
			s.entries[op.Key] = e
		} else if !e.isZSet() {
			return Result{}, ErrWrongType
		}
		_, existed := e.zset[op.Member]
		e.zset[op.Member] = op.Score
		if existed {
			return Result{Int: 0}, nil
		}
		return Result{Int: 1}, nil

	case CmdZRem:
		if e == nil {
			return Result{}, nil
		}
		if !e.isZSet() {
			return Result{}, ErrWrongType
		}
		if _, ok := e.zset[op.Member]; !ok {
			return Result{}, nil
		}
		delete(e.zset, op.Member)
		s.dropIfEmpty(op.Key, e)
		return Result{Int: 1}, nil

	case CmdZRemRangeByScore:
		if e == nil {
			return Result{}, nil
		}
		if !e.isZSet() {
			return Result{}, ErrWrongType
		}
		var removed int64
		for m, score := range e.zset {
			if inRange(score, op.Min, op.Max) {
				delete(e.zset, m)
				removed++
			}
		}
		s.dropIfEmpty(op.Key, e)
		return Result{Int: removed}, nil

	case CmdZCard:
		if e == nil {
			return Result{}, nil
		}
		if !e.isZSet() {
			return Result{}, ErrWrongType
		}
		return Result{Int: int64(len(e.zset))}, nil

	case CmdZCount:
		if e == nil {
			return Result{}, nil
		}
		if !e.isZSet() {
			return Result{}, ErrWrongType
		}
		var n int64
		for _, score := range e.zset {
			if inRange(score, op.Min, op.Max) {
				n++
			}
		}
		return Result{Int: n}, nil

	default:
		return Result{}, fmt.Errorf("unsupported command %d", op.Cmd)
	}
}

// lookup returns the live entry for key, evicting it if expired.
func (s *MemoryStore) lookup(now time.Time, key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if s.expired(e, now) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStore) expired(e *entry, now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// dropIfEmpty mirrors Redis, which deletes a sorted set with no members.
func (s *MemoryStore) dropIfEmpty(key string, e *entry) {
	if len(e.zset) == 0 {
		delete(s.entries, key)
	}
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer func() {
		ticker.Stop()
		close(s.doneCh)
	}()

	for {
		select {
		case <-ticker.C:
			s.purgeExpired()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) purgeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for k, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, k)
		}
	}
}

func inRange(score, min, max float64) bool {
	if math.IsNaN(score) {
		return false
	}
	return score >= min && score <= max
}

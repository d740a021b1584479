// Package storetest provides store doubles for tests in other packages.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/SmitUplenchwar2687/Bastion/internal/clock"
	"github.com/SmitUplenchwar2687/Bastion/internal/store"
)

// NewMemory returns a MemoryStore driven by c that is closed when the test
// ends.
func NewMemory(t testing.TB, c clock.Clock) *store.MemoryStore {
	t.Helper()
	s, err := store.NewMemoryStore(&store.MemoryConfig{Clock: c, CleanupInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewMemoryStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Unavailable fails every call with store.ErrUnavailable, like a Redis
// that cannot be reached.
type Unavailable struct{}

var _ store.Store = Unavailable{}

func unavailable(op string) error {
	return fmt.Errorf("%s: %w: connection refused", op, store.ErrUnavailable)
}

func (Unavailable) IncrBy(context.Context, string, int64) (int64, error) {
	return 0, unavailable("incrby")
}

func (Unavailable) Expire(context.Context, string, time.Duration) error {
	return unavailable("expire")
}

func (Unavailable) TTL(context.Context, string) (time.Duration, error) {
	return 0, unavailable("ttl")
}

func (Unavailable) ZAdd(context.Context, string, float64, string) error {
	return unavailable("zadd")
}

func (Unavailable) ZRem(context.Context, string, string) error {
	return unavailable("zrem")
}

func (Unavailable) ZRemRangeByScore(context.Context, string, float64, float64) error {
	return unavailable("zremrangebyscore")
}

func (Unavailable) ZCard(context.Context, string) (int64, error) {
	return 0, unavailable("zcard")
}

func (Unavailable) ZCount(context.Context, string, float64, float64) (int64, error) {
	return 0, unavailable("zcount")
}

func (Unavailable) Get(context.Context, string) (string, bool, error) {
	return "", false, unavailable("get")
}

func (Unavailable) Set(context.Context, string, string) error {
	return unavailable("set")
}

func (Unavailable) SetWithTTL(context.Context, string, string, time.Duration) error {
	return unavailable("set")
}

func (Unavailable) Delete(context.Context, ...string) error {
	return unavailable("del")
}

func (Unavailable) Scan(context.Context, string) ([]string, error) {
	return nil, unavailable("scan")
}

func (Unavailable) Exec(context.Context, ...store.Op) ([]store.Result, error) {
	return nil, unavailable("exec")
}

func (Unavailable) Ping(context.Context) error {
	return unavailable("ping")
}

func (Unavailable) Close() error { return nil }

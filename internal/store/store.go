// Package store is the counter store adapter: the only place admission
// state lives. It exposes the small set of atomic primitives the limiter,
// block registry, trust engine and abuse detectors are built from, so any
// backend with atomic counters, sorted sets and TTL expiry can serve it.
package store

import (
	"context"
	"errors"
	"time"
)

// Backend names accepted by configuration.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// TTL sentinels mirror Redis: a missing key reports TTLMissing and a key
// without expiry reports TTLPersistent.
const (
	TTLMissing    = time.Duration(-2)
	TTLPersistent = time.Duration(-1)
)

var (
	// ErrUnavailable classifies failures reaching the backing store.
	// Callers on the request path treat it as a signal to fail open.
	ErrUnavailable = errors.New("store unavailable")

	// ErrWrongType is returned when an operation targets a key holding
	// a different kind of value.
	ErrWrongType = errors.New("operation against a key holding the wrong kind of value")

	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("store closed")
)

// Store abstracts the shared key space. Implementations must be safe for
// concurrent use, and Exec must apply a batch atomically: no other caller
// may observe a partially applied batch.
type Store interface {
	// IncrBy atomically adds delta to the integer at key, creating it
	// with value delta when absent, and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Expire sets a TTL on key. It is a no-op for missing keys.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining time to live of key, or TTLMissing /
	// TTLPersistent.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// ZAdd adds member with score to the sorted set at key.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRem removes member from the sorted set at key.
	ZRem(ctx context.Context, key string, member string) error

	// ZRemRangeByScore removes members with min <= score <= max.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// ZCard returns the number of members in the sorted set at key.
	ZCard(ctx context.Context, key string) (int64, error)

	// ZCount returns the number of members with min <= score <= max.
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)

	// Get returns the string value at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value at key without expiry.
	Set(ctx context.Context, key, value string) error

	// SetWithTTL stores value at key expiring after ttl.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Scan returns all live keys starting with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)

	// Exec applies ops atomically and returns one Result per op.
	Exec(ctx context.Context, ops ...Op) ([]Result, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources. It is idempotent.
	Close() error
}

// Command identifies a primitive inside an Exec batch.
type Command int

const (
	CmdIncrBy Command = iota
	CmdExpire
	CmdTTL
	CmdGet
	CmdSet
	CmdDelete
	CmdZAdd
	CmdZRem
	CmdZRemRangeByScore
	CmdZCard
	CmdZCount
)

func (c Command) String() string {
	switch c {
	case CmdIncrBy:
		return "incrby"
	case CmdExpire:
		return "expire"
	case CmdTTL:
		return "ttl"
	case CmdGet:
		return "get"
	case CmdSet:
		return "set"
	case CmdDelete:
		return "del"
	case CmdZAdd:
		return "zadd"
	case CmdZRem:
		return "zrem"
	case CmdZRemRangeByScore:
		return "zremrangebyscore"
	case CmdZCard:
		return "zcard"
	case CmdZCount:
		return "zcount"
	default:
		return "unknown"
	}
}

// Op is a single primitive inside an atomic batch. Build ops with the Op*
// constructors rather than by hand.
type Op struct {
	Cmd    Command
	Key    string
	Member string
	Value  string
	Delta  int64
	Score  float64
	Min    float64
	Max    float64
	TTL    time.Duration
}

// Result is the outcome of one Op. Only the fields relevant to the op's
// command are populated.
type Result struct {
	// Int holds the new value for IncrBy, the cardinality for ZCard and
	// ZCount, and 1/0 for Expire.
	Int int64
	// Value and Found are populated by Get.
	Value string
	Found bool
	// TTL is populated by TTL.
	TTL time.Duration
}

func OpIncrBy(key string, delta int64) Op {
	return Op{Cmd: CmdIncrBy, Key: key, Delta: delta}
}

func OpExpire(key string, ttl time.Duration) Op {
	return Op{Cmd: CmdExpire, Key: key, TTL: ttl}
}

func OpTTL(key string) Op {
	return Op{Cmd: CmdTTL, Key: key}
}

func OpGet(key string) Op {
	return Op{Cmd: CmdGet, Key: key}
}

// OpSet stores value at key; a zero ttl means no expiry.
func OpSet(key, value string, ttl time.Duration) Op {
	return Op{Cmd: CmdSet, Key: key, Value: value, TTL: ttl}
}

func OpDelete(key string) Op {
	return Op{Cmd: CmdDelete, Key: key}
}

func OpZAdd(key string, score float64, member string) Op {
	return Op{Cmd: CmdZAdd, Key: key, Score: score, Member: member}
}

func OpZRem(key, member string) Op {
	return Op{Cmd: CmdZRem, Key: key, Member: member}
}

func OpZRemRangeByScore(key string, min, max float64) Op {
	return Op{Cmd: CmdZRemRangeByScore, Key: key, Min: min, Max: max}
}

func OpZCard(key string) Op {
	return Op{Cmd: CmdZCard, Key: key}
}

func OpZCount(key string, min, max float64) Op {
	return Op{Cmd: CmdZCount, Key: key, Min: min, Max: max}
}

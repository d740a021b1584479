package store

import (
	internalstore "github.com/SmitUplenchwar2687/Bastion/internal/store"
)

// Store is the shared counter store every Bastion instance reads and writes.
type Store = internalstore.Store

// MemoryConfig configures the in-process store.
type MemoryConfig = internalstore.MemoryConfig

// MemoryStore is a single-process Store for tests and local runs.
type MemoryStore = internalstore.MemoryStore

// RedisConfig configures the Redis store.
type RedisConfig = internalstore.RedisConfig

// RedisStore is a Store backed by Redis or Redis Cluster.
type RedisStore = internalstore.RedisStore

const (
	BackendMemory = internalstore.BackendMemory
	BackendRedis  = internalstore.BackendRedis
)

var (
	ErrUnavailable = internalstore.ErrUnavailable
	ErrWrongType   = internalstore.ErrWrongType
)

// NewMemoryStore creates an in-process store.
func NewMemoryStore(cfg *MemoryConfig) (*MemoryStore, error) {
	return internalstore.NewMemoryStore(cfg)
}

// NewRedisStore connects to Redis.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	return internalstore.NewRedisStore(cfg)
}

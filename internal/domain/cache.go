package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU + Redis.
// All methods require a mailbox so keys never collide across mailboxes.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, mailbox string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, mailbox string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, mailbox string, key string) error

	// IncrementCounter atomically increments a counter and returns new value.
	// A result of 1 means the caller is the first within the window, which
	// the worker uses to claim a message exactly once.
	IncrementCounter(ctx context.Context, mailbox string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis

	// ClaimTTL bounds how long a processed message stays claimed.
	ClaimTTL time.Duration
}

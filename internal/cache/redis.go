package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithExpiry starts the expiry window on the first increment only.
var incrWithExpiry = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RedisCache implements Cache on Redis so claims are shared by every
// worker node.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get returns nil, nil when the key does not exist.
func (c *RedisCache) Get(ctx context.Context, mailbox string, key string) ([]byte, error) {
	if err := requireMailbox(mailbox); err != nil {
		return nil, err
	}

	val, err := c.client.Get(ctx, redisKey(mailbox, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, mailbox string, key string, value []byte, ttl time.Duration) error {
	if err := requireMailbox(mailbox); err != nil {
		return err
	}
	return c.client.Set(ctx, redisKey(mailbox, key), value, ttl).Err()
}

// Delete removes the value and any counter stored under key.
func (c *RedisCache) Delete(ctx context.Context, mailbox string, key string) error {
	if err := requireMailbox(mailbox); err != nil {
		return err
	}
	return c.client.Del(ctx, redisKey(mailbox, key), redisKey(mailbox, counterKey(key))).Err()
}

// IncrementCounter atomically increments a counter using INCR with PEXPIRE.
func (c *RedisCache) IncrementCounter(ctx context.Context, mailbox string, key string, window time.Duration) (int64, error) {
	if err := requireMailbox(mailbox); err != nil {
		return 0, err
	}

	return incrWithExpiry.Run(ctx, c.client, []string{redisKey(mailbox, counterKey(key))}, window.Milliseconds()).Int64()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func redisKey(mailbox, key string) string {
	return "heron:" + makeKey(mailbox, key)
}

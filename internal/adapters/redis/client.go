package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"perpgate/internal/adapters/config"
	"perpgate/pkg/errors"
)

const (
	lockPrefix       = "lock:"
	lockPollInterval = 50 * time.Millisecond
)

// releaseScript deletes the lock only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLockNotHeld is returned on release when the lock expired or was taken over
var ErrLockNotHeld = errors.New("lock not held")

// Client wraps Redis client
type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Verify connection
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(errors.ErrUnavailable, "redis %s: %v", cfg.Addr(), err)
	}

	return &Client{rdb: rdb}, nil
}

// NewFromClient wraps an existing go-redis client
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Lock acquires a distributed lock, polling until it is free, ctx is done or ttl elapses.
// The returned unlock releases the lock only if this caller still owns it.
func (c *Client) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	redisKey := lockPrefix + key
	token := uuid.NewString()

	deadline := time.Now().Add(ttl)
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		ok, err := c.rdb.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			return nil, errors.Wrap(err, "acquire lock")
		}
		if ok {
			return func(releaseCtx context.Context) error {
				return c.release(releaseCtx, redisKey, token)
			}, nil
		}

		if time.Now().After(deadline) {
			return nil, errors.Wrapf(errors.ErrUnavailable, "lock %s busy for %s", key, ttl)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) release(ctx context.Context, key, token string) error {
	deleted, err := releaseScript.Run(ctx, c.rdb, []string{key}, token).Int64()
	if err != nil {
		return errors.Wrap(err, "release lock")
	}
	if deleted == 0 {
		return ErrLockNotHeld
	}
	return nil
}

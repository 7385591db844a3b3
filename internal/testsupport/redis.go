package testsupport

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"

	"perpgate/internal/adapters/config"
)

// NewRedisClient connects to the integration redis and removes lock keys
// before and after the test. Other keys in the database are left alone.
func NewRedisClient(t *testing.T, cfg config.RedisConfig) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("failed to connect to redis: %v", err)
	}
	if err := deleteLocks(ctx, client); err != nil {
		t.Fatalf("failed to clear locks before test: %v", err)
	}

	t.Cleanup(func() {
		_ = deleteLocks(context.Background(), client)
		_ = client.Close()
	})

	return client
}

func deleteLocks(ctx context.Context, client *redis.Client) error {
	iter := client.Scan(ctx, 0, "lock:*", 100).Iterator()
	for iter.Next(ctx) {
		if err := client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

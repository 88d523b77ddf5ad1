package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/LicenseDesk/internal/pkg/config"
)

const isolatedQueueTestRedisDB = 14

// newIsolatedRedisClient connects to the configured Redis on a database of its
// own and flushes it around the test. Without a reachable server the test is
// skipped.
func newIsolatedRedisClient(t *testing.T, db int) *redis.Client {
	t.Helper()

	cache := config.Load().Cache
	client := redis.NewClient(&redis.Options{
		Addr:     cache.Addr(),
		Password: cache.Password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	err := client.Ping(ctx).Err()
	cancel()
	if err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: %s unreachable (%v)", cache.Addr(), err)
	}

	if err := client.FlushDB(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("failed to flush isolated redis db %d: %v", db, err)
	}
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

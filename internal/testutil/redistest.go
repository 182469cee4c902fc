package testutil

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// RedisTest returns a client for a test Redis and a cleanup function that
// flushes the database and closes the client.
//
// The server comes from REDIS_URL. When that is unset and
// TYPEGUARD_TESTCONTAINERS=1, a disposable redis:7-alpine container is
// started once per test binary. Otherwise the test is skipped.
func RedisTest(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	var opts *redis.Options
	if url := os.Getenv("REDIS_URL"); url != "" {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			t.Fatalf("redistest: parse REDIS_URL: %v", err)
		}
		opts = parsed
	} else if os.Getenv("TYPEGUARD_TESTCONTAINERS") == "1" {
		opts = &redis.Options{Addr: redisContainerAddr(t)}
	}
	if opts == nil {
		t.Skip("REDIS_URL not set, skipping integration test")
	}

	rdb := redis.NewClient(opts)
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Fatalf("redistest: connect: %v", err)
	}

	cleanup := func() {
		_ = rdb.FlushDB(ctx).Err()
		_ = rdb.Close()
	}
	return rdb, cleanup
}

func redisContainerAddr(t *testing.T) string {
	t.Helper()
	redisOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForListeningPort("6379/tcp"),
			},
			Started: true,
		})
		if err != nil {
			redisErr = err
			if ctr != nil {
				_ = testcontainers.TerminateContainer(ctr)
			}
			return
		}
		redisAddr, redisErr = ctr.Endpoint(ctx, "")
	})
	if redisErr != nil {
		t.Fatalf("redistest: start redis container: %v", redisErr)
	}
	return redisAddr
}

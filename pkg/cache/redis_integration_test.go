//go:build integration

package cache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedisStore_Integration(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	clock := &testClock{now: time.Now()}
	s := NewRedisStore(client)
	s.now = clock.Now

	runStoreTests(t, s, clock)
}

func TestRedisStore_Integration_NativeExpiry(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	s := NewRedisStore(client)
	ctx := context.Background()
	key := testKey(t, "/native-expiry")
	now := time.Now()

	entry := NewEntry(http.StatusOK, http.Header{}, []byte("x"), now, 2*time.Second)
	if err := s.Put(ctx, key, entry); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	time.Sleep(3 * time.Second)

	n, err := client.Exists(ctx, redisKeyPrefix+key.String()).Result()
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if n != 0 {
		t.Error("entry still present after its TTL")
	}
}

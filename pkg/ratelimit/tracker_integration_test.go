//go:build integration

package ratelimit

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
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

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestTracker_Integration_SharedAcrossInstances(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	a := NewTracker(redisClient, logger)
	b := NewTracker(redisClient, logger)
	ctx := context.Background()

	// Test 1: Default state when Redis is empty
	state, err := b.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !state.IsHealthy {
		t.Error("Default state should be healthy")
	}

	// Test 2: One instance observes, the other reads it back
	headers := http.Header{}
	headers.Set("X-RateLimit-Limit", "5000")
	headers.Set("X-RateLimit-Remaining", "75")
	headers.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(120*time.Second).Unix(), 10))

	if err := a.Observe(ctx, headers); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	state, err = b.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() after update error = %v", err)
	}
	if state.Remaining != 75 {
		t.Errorf("Remaining = %d, want 75", state.Remaining)
	}
	if state.IsHealthy {
		t.Error("State with 75 of 5000 remaining should not be healthy")
	}

	expectedResetDuration := 120 * time.Second
	actualResetDuration := state.TimeUntilReset()
	tolerance := 5 * time.Second

	if actualResetDuration < expectedResetDuration-tolerance || actualResetDuration > expectedResetDuration+tolerance {
		t.Errorf("TimeUntilReset = %v, want approximately %v", actualResetDuration, expectedResetDuration)
	}
}

// Package testredis finds a Redis server for integration tests.
//
// Lookup order:
//   - BADGECOUNT_TEST_REDIS_ADDR, if set
//   - localhost:6379, if it answers PING
//   - a throwaway redis container started with testcontainers-go, unless the
//     tests run with -short or Docker is unavailable
//
// When none is available the calling test is skipped.
package testredis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	defaultAddr  = "localhost:6379"
	redisPort    = "6379"
	startTimeout = 60 * time.Second
)

// Addr returns the address of a reachable Redis server or skips the test.
func Addr(t *testing.T) string {
	t.Helper()

	if addr := os.Getenv("BADGECOUNT_TEST_REDIS_ADDR"); addr != "" {
		if err := ping(addr); err != nil {
			t.Skipf("Redis at %s not available: %v", addr, err)
		}
		return addr
	}

	if ping(defaultAddr) == nil {
		return defaultAddr
	}

	if testing.Short() {
		t.Skip("Redis not available and containers are disabled in short mode")
	}

	addr, err := startContainer(t)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return addr
}

func ping(addr string) error {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}

func startContainer(t *testing.T) (string, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{redisPort + "/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	t.Cleanup(func() {
		container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, redisPort)
	if err != nil {
		return "", fmt.Errorf("failed to get container port: %w", err)
	}

	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

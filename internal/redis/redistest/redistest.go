// Package redistest provides a redis server for package tests.
package redistest

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"docassist/internal/redis"

	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// New returns a client connected to an empty redis database. TEST_REDIS_ADDR
// selects an existing server; otherwise a redis:7-alpine container is started.
// The test is skipped in -short mode or when neither is available.
func New(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("redis-backed test skipped in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = startContainer(ctx, t)
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	client, err := redis.Dial(ctx, &goredis.Options{Addr: addr, DB: db})
	if err != nil {
		t.Skipf("redis at %s unavailable: %v", addr, err)
	}
	if err := client.Raw().FlushDB(ctx).Err(); err != nil {
		client.Close()
		t.Fatalf("flush db: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func startContainer(ctx context.Context, t *testing.T) (addr string) {
	t.Helper()
	// testcontainers panics when no docker host can be resolved
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("no container runtime: %v", r)
		}
	}()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port())
}

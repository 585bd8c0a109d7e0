// Package redistest starts throwaway Redis containers for tests.
package redistest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/go-redis/redis/v8"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/k11v/deployer/internal/redisutil"
)

// NewClient starts a Redis container and returns a client connected to it.
// The container is removed when tb ends.
func NewClient(tb testing.TB, ctx context.Context) *redis.Client {
	tb.Helper()

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	testcontainers.CleanupContainer(tb, c)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	endpoint, err := c.PortEndpoint(ctx, nat.Port("6379/tcp"), "")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	client, err := redisutil.NewClientFromConnectionString(ctx, fmt.Sprintf("redis://%s/0", endpoint))
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	tb.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

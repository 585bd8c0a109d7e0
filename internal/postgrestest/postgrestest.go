// Package postgrestest starts throwaway PostgreSQL containers for tests.
package postgrestest

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/k11v/deployer/internal/postgresprovision"
)

// Setup starts a PostgreSQL container with the schema applied.
// The caller must call teardown when done.
func Setup(ctx context.Context) (connectionString string, teardown func() error, err error) {
	username := "postgres"
	password := "postgres"
	database := "deployer"

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "postgres:17-alpine",
			Env: map[string]string{
				"POSTGRES_USER":     username,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       database,
			},
			ExposedPorts: []string{"5432/tcp"},
			// The server restarts once after the init scripts, so the line shows up twice.
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	teardown = func() error {
		if c == nil {
			return nil
		}
		return c.Terminate(context.Background())
	}
	if err != nil {
		return "", teardown, fmt.Errorf("postgrestest: %w", err)
	}

	endpoint, err := c.PortEndpoint(ctx, nat.Port("5432/tcp"), "")
	if err != nil {
		return "", teardown, fmt.Errorf("postgrestest: %w", err)
	}

	connectionString = fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", username, password, endpoint, database)
	if err = postgresprovision.Setup(connectionString); err != nil {
		return "", teardown, fmt.Errorf("postgrestest: %w", err)
	}

	return connectionString, teardown, nil
}

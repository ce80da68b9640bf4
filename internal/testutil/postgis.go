// Package testutil starts throwaway PostGIS containers for integration tests.
package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PostGISImage is the image integration tests run against.
const PostGISImage = "postgis/postgis:16-3.4-alpine"

// StartPostGIS starts a PostGIS container, runs the given init scripts and
// returns its connection string. The test is skipped under -short or when no
// container runtime is reachable; the container is removed on cleanup.
func StartPostGIS(t *testing.T, initScripts ...string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	opts := []testcontainers.ContainerCustomizer{
		postgres.WithDatabase("canopy"),
		postgres.WithUsername("canopy"),
		postgres.WithPassword("canopy"),
		postgres.BasicWaitStrategies(),
	}
	if len(initScripts) > 0 {
		opts = append(opts, postgres.WithInitScripts(initScripts...))
	}

	ctr, err := postgres.Run(ctx, PostGISImage, opts...)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

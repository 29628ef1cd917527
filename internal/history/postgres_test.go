package history_test

import (
	"fmt"
	"testing"

	"github.com/CZERTAINLY/Bosun/internal/history"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres container test skipped with -short")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := t.Context()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "bosun",
				"POSTGRES_PASSWORD": "bosun",
				"POSTGRES_DB":       "bosun",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://bosun:bosun@%s:%s/bosun?sslmode=disable", host, port.Port())
	store, err := history.OpenSQL(ctx, history.DriverPostgres, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	testStore(t, store)
}

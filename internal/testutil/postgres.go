// Package testutil provides test helpers for container-backed storage tests.
package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/P0W3R97/dnd-tabletop/internal/config"
	"github.com/P0W3R97/dnd-tabletop/internal/storage/postgres"
	"github.com/P0W3R97/dnd-tabletop/migrations"
)

const (
	postgresImage = "postgres:16-alpine"
	postgresCreds = "tabletop"
)

// PostgresContainer is a disposable PostgreSQL server for one test.
type PostgresContainer struct {
	container testcontainers.Container
	Pool      *postgres.Pool
	RawPool   *pgxpool.Pool
	Config    config.DatabaseConfig
}

// NewPostgresContainer starts PostgreSQL and connects a Pool to it. The
// container is terminated when t finishes. The test is skipped under -short.
//
// Precondition: Docker must be available.
// Postcondition: Returns a running, unmigrated database or fails the test.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()
	start := time.Now()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     postgresCreds,
				"POSTGRES_PASSWORD": postgresCreds,
				"POSTGRES_DB":       postgresCreds,
			},
			// The server restarts once after init; wait for the second ready line.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v [%s]", err, time.Since(start))
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dbCfg, err := containerConfig(ctx, container)
	if err != nil {
		t.Fatalf("resolving container address: %v", err)
	}

	pool, err := postgres.NewPool(ctx, dbCfg)
	if err != nil {
		t.Fatalf("connecting to test postgres: %v [%s]", err, time.Since(start))
	}
	t.Cleanup(pool.Close)
	t.Logf("postgres container started at %s:%d [%s]", dbCfg.Host, dbCfg.Port, time.Since(start))

	return &PostgresContainer{
		container: container,
		Pool:      pool,
		RawPool:   pool.DB(),
		Config:    dbCfg,
	}
}

func containerConfig(ctx context.Context, c testcontainers.Container) (config.DatabaseConfig, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return config.DatabaseConfig{}, err
	}
	port, err := c.MappedPort(ctx, "5432")
	if err != nil {
		return config.DatabaseConfig{}, err
	}
	return config.DatabaseConfig{
		Host:            host,
		Port:            port.Int(),
		User:            postgresCreds,
		Password:        postgresCreds,
		Name:            postgresCreds,
		SSLMode:         "disable",
		MaxConns:        8,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
	}, nil
}

// ApplyMigrations runs the embedded migrations up through golang-migrate,
// the same path cmd/migrate takes.
//
// Postcondition: The room_events table exists in the test database.
func (pc *PostgresContainer) ApplyMigrations(t *testing.T) {
	t.Helper()
	start := time.Now()

	src, err := iofs.New(migrations.Postgres, "postgres")
	if err != nil {
		t.Fatalf("opening embedded migrations: %v", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, pc.DSN())
	if err != nil {
		t.Fatalf("creating migrator: %v", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("applying migrations: %v", err)
	}
	version, _, _ := m.Version()
	t.Logf("migrated to version %d [%s]", version, time.Since(start))
}

// DSN returns the connection string for the test database.
func (pc *PostgresContainer) DSN() string {
	return pc.Config.DSN()
}

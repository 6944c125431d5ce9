//go:build integration

package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/storage/database"
	boiledrepos "github.com/trezcool/clearance/storage/database/sqlboiler"
	sqlxrepos "github.com/trezcool/clearance/storage/database/sqlx"
)

const postgresImage = "postgres:16-alpine"

// PrepareDB starts a disposable postgres, creates the application role and database the way
// the binaries do, and migrates it. The container is terminated when the test ends.
func PrepareDB(t *testing.T, conf *core.Config) *sqlx.DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "postgres",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container.Host() failed: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("container.MappedPort() failed: %v", err)
	}

	conf.Database = core.DatabaseConfig{
		Engine:        "postgres",
		Host:          host,
		Port:          port.Port(),
		Name:          "clearance_test",
		User:          "clearance",
		Password:      "clearance",
		AdminUser:     "postgres",
		AdminPassword: "postgres",
		DisableTLS:    true,
	}
	if err = database.CreateIfNotExist(ctx, conf); err != nil {
		t.Fatalf("CreateIfNotExist() failed: %v", err)
	}
	db, err := database.Open(ctx, conf)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err = database.Migrate(db.DB, "up"); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	return db
}

// NewPostgresEnv wires the engine over a fresh postgres database.
func NewPostgresEnv(t *testing.T) (*Env, *sqlx.DB) {
	t.Helper()
	cfg := NewConfig()
	db := PrepareDB(t, cfg)
	env := newEnv(t, cfg,
		database.NewTransactor(db),
		sqlxrepos.NewFlagRepository(db),
		sqlxrepos.NewNotificationRepository(db),
		boiledrepos.NewLedgerRepository(db),
	)
	return env, db
}

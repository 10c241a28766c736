// Package testutil hosts shared integration-test infrastructure.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// StartPostgres spins up a disposable Postgres container, applies the
// repository migrations and returns a connected pool. Callers should
// gate on IntegrationEnabled first.
func StartPostgres(ctx context.Context) (*pgxpool.Pool, func(), error) {
	pgC, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("shop"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("start postgres container: %w", err)
	}
	terminate := func() {
		tctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = pgC.Terminate(tctx)
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		return nil, nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		terminate()
		return nil, nil, err
	}
	// Simple protocol lets one Exec run the whole multi-statement
	// migration file.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		terminate()
		return nil, nil, err
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		terminate()
		return nil, nil, err
	}

	cleanup := func() {
		pool.Close()
		terminate()
	}
	return pool, cleanup, nil
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	_, self, _, _ := runtime.Caller(0)
	path := filepath.Join(filepath.Dir(self), "..", "..", "migrations", "001_init.sql")
	ddl, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	if _, err := pool.Exec(ctx, string(ddl)); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// IntegrationEnabled reports whether docker-backed tests should run.
func IntegrationEnabled() bool {
	return os.Getenv("TEST_INTEGRATION") == "1"
}

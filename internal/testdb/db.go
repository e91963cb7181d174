package testdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"

	"github.com/phrazzld/genpipe/internal/platform/migrations"
	"github.com/phrazzld/genpipe/internal/platform/postgres"
	"github.com/phrazzld/genpipe/internal/platform/sqlite"
)

// PostgresURLEnv names the variable that enables PostgreSQL-backed tests.
const PostgresURLEnv = "GENPIPE_TEST_DATABASE_URL"

var dbCounter atomic.Int64

// Open returns a freshly migrated in-memory SQLite database that is closed
// when the test ends. Each call gets its own database.
func Open(t *testing.T) *sql.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:testdb_%d?mode=memory&cache=shared", dbCounter.Add(1))

	db, err := sqlite.Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := migrations.Up(context.Background(), migrations.DriverSQLite, db, discardLogger()); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return db
}

// OpenPostgres returns a migrated PostgreSQL database, or skips the test
// when PostgresURLEnv is unset. Tables are truncated on cleanup.
func OpenPostgres(t *testing.T) *sql.DB {
	t.Helper()

	url := os.Getenv(PostgresURLEnv)
	if url == "" {
		t.Skipf("%s not set, skipping PostgreSQL test", PostgresURLEnv)
	}

	db, err := postgres.Open(context.Background(), url, 5)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if err := migrations.Up(context.Background(), migrations.DriverPostgres, db, discardLogger()); err != nil {
		_ = db.Close()
		t.Fatalf("migrate postgres: %v", err)
	}

	t.Cleanup(func() {
		_, _ = db.Exec(`TRUNCATE credit_ledger, works, tasks, users`)
		_ = db.Close()
	})
	return db
}

// WithTx runs fn inside a transaction that is always rolled back.
func WithTx(t *testing.T, db *sql.DB, fn func(t *testing.T, tx *sql.Tx)) {
	t.Helper()

	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin transaction: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	fn(t, tx)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

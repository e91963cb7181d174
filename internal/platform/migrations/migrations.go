// Package migrations embeds the schema for both supported SQL engines and
// applies it with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed postgres/*.sql sqlite/*.sql
var embedded embed.FS

// Driver names accepted by NewProvider. They match config.DatabaseConfig.Driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// NewProvider returns a goose provider for the given driver's migrations.
func NewProvider(driver string, db *sql.DB) (*goose.Provider, error) {
	var dialect goose.Dialect
	switch driver {
	case DriverPostgres:
		dialect = goose.DialectPostgres
	case DriverSQLite:
		dialect = goose.DialectSQLite3
	default:
		return nil, fmt.Errorf("unsupported migration driver %q", driver)
	}

	fsys, err := fs.Sub(embedded, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations for %s: %w", driver, err)
	}

	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return provider, nil
}

// Up applies all pending migrations.
func Up(ctx context.Context, driver string, db *sql.DB, logger *slog.Logger) error {
	provider, err := NewProvider(driver, db)
	if err != nil {
		return err
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("applied migration",
			"version", r.Source.Version,
			"path", r.Source.Path,
			"duration_ms", r.Duration.Milliseconds())
	}
	return nil
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, driver string, db *sql.DB, logger *slog.Logger) error {
	provider, err := NewProvider(driver, db)
	if err != nil {
		return err
	}

	result, err := provider.Down(ctx)
	if err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	if result != nil {
		logger.Info("rolled back migration",
			"version", result.Source.Version,
			"path", result.Source.Path)
	}
	return nil
}

// Status logs the applied state of every known migration.
func Status(ctx context.Context, driver string, db *sql.DB, logger *slog.Logger) error {
	provider, err := NewProvider(driver, db)
	if err != nil {
		return err
	}

	statuses, err := provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to read migration status: %w", err)
	}
	for _, s := range statuses {
		logger.Info("migration status",
			"version", s.Source.Version,
			"path", s.Source.Path,
			"state", string(s.State),
			"applied_at", s.AppliedAt)
	}
	return nil
}

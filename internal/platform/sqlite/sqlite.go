// Package sqlite opens the embedded SQL engine used for single-node
// deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

const pragmas = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"

// Open opens the SQLite database at dsn. A plain path gets its parent
// directory created and WAL journaling enabled; a file: URI is used as is.
// SQLite allows a single writer, so the pool is limited to one connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	var full string
	if strings.HasPrefix(dsn, "file:") {
		full = appendParams(dsn, pragmas)
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
		full = appendParams(dsn, pragmas+"&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	}

	db, err := sql.Open("sqlite", full)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

func appendParams(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

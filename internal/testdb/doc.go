// Package testdb provides database helpers for tests: a migrated in-memory
// SQLite database per test, and an optional PostgreSQL database when
// GENPIPE_TEST_DATABASE_URL is set.
package testdb

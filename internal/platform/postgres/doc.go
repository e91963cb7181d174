// Package postgres implements the store interfaces with database/sql.
//
// Queries are written for PostgreSQL through the pgx stdlib driver and stay
// within the subset of SQL that SQLite also accepts (numbered placeholders,
// RETURNING, partial unique indexes and ON CONFLICT), so the same stores run
// on the embedded engine used for single-node deployments and tests.
package postgres

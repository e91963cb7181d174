// Package store defines the persistence contracts of the pipeline: tasks,
// works and the credit ledger. Terminal writes are conditional so that
// concurrent writers settle on exactly one outcome.
package store

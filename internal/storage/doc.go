// Package storage defines the object store used for input assets and
// generated results, with a filesystem backend for single-node deployments
// and a Cloud Storage backend for production.
package storage

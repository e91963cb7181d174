// Package dispatch hands submitted tasks to a worker host and classifies
// dispatch-call failures. Three hosts are supported: asynq over Redis,
// River over PostgreSQL, and an in-process queue for single-node use.
package dispatch

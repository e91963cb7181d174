// Package pipeline runs generation tasks to a terminal state.
//
// The Worker drives a task through its stages while a Watchdog races it
// against the host's execution limit. Every terminal write, whether from
// the worker, the watchdog, the dispatch path or the Sweeper, goes through
// the Finalizer, which performs a conditional status write and settles the
// refund and the Work mirror from the stored outcome.
package pipeline

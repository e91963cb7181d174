// Package service contains the application use cases of the generation
// pipeline: submitting a request, querying and cancelling it, and reading
// a user's balance.
//
// Submission is the synchronous half of the pipeline. It validates the
// request, reserves credits and creates the Task and Work records in one
// transaction, then dispatches the worker without waiting for it. Every
// outcome after dispatch is observed through the stored task state.
//
// Services receive their stores and collaborators through constructor
// injection and depend only on the interfaces in internal/store.
package service

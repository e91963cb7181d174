package gemini

import "errors"

// Error definitions for the gemini package.
var (
	// ErrContentBlocked is returned when the API refuses the request on
	// safety grounds.
	ErrContentBlocked = errors.New("content blocked by safety filters")

	// ErrNoCandidates is returned when a response carries no candidates.
	ErrNoCandidates = errors.New("response contained no candidates")

	// ErrMissingAPIKey is returned when the client is built without a key.
	ErrMissingAPIKey = errors.New("gemini API key cannot be empty")
)

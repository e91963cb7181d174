package generation

import "errors"

// Common errors returned by the generation package
var (
	// ErrNoImagesMaterialized is returned when a request needs input images
	// and none of its asset references could be resolved.
	ErrNoImagesMaterialized = errors.New("no input images could be materialized")

	// ErrModelTimeout is returned when a model call exceeds its hard timeout.
	ErrModelTimeout = errors.New("model call timed out")

	// ErrEmptyOutput is returned when a model call succeeds without images.
	ErrEmptyOutput = errors.New("model returned no images")

	// ErrNoUploads is returned when every artifact upload failed.
	ErrNoUploads = errors.New("no artifacts uploaded")

	// ErrEmptyPrompt is returned by prompt services that produced no text.
	ErrEmptyPrompt = errors.New("prompt service returned an empty prompt")

	// ErrInvalidConfig is returned when a stage is constructed with an
	// unusable configuration.
	ErrInvalidConfig = errors.New("invalid generation configuration")
)

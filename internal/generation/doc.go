// Package generation implements the stages of the worker pipeline: the
// image materializer, the prompt composer, the model registry and invoker,
// and the result uploader. Vendor clients live in internal/platform and
// plug in through the PromptService and Backend interfaces.
package generation

package generation

import (
	"context"

	"github.com/phrazzld/genpipe/internal/domain"
)

// Capability is a kind of generation a model backend supports.
type Capability string

// Known capabilities.
const (
	CapabilityTextToImage Capability = "text_to_image"
	CapabilityImageEdit   Capability = "image_edit"
)

// AssetStatus reports the outcome of resolving one asset reference.
type AssetStatus string

// Asset resolution outcomes.
const (
	AssetConverted AssetStatus = "converted"
	AssetFailed    AssetStatus = "failed"
)

// Asset is a resolved input image.
type Asset struct {
	Ref      string
	Status   AssetStatus
	Data     []byte
	MIMEType string
	Err      error
}

// Artifact is one raw image produced by a model backend.
type Artifact struct {
	Data     []byte
	MIMEType string
}

// GenerateRequest is the input of a single model call.
type GenerateRequest struct {
	Model       string
	Prompt      string
	Images      []Asset
	Count       int
	Tier        domain.Tier
	AspectRatio string
}

// Backend performs image generation calls against one model provider.
type Backend interface {
	Generate(ctx context.Context, req GenerateRequest) ([]Artifact, error)
}

// PromptRequest carries the structured inputs of the prompt service.
type PromptRequest struct {
	Params      domain.GenerationParams
	Scene       string
	InputImages int
	Count       int
}

// PromptService turns structured parameters into a generation instruction.
type PromptService interface {
	ComposePrompt(ctx context.Context, req PromptRequest) (string, error)
}

package api

import (
	"github.com/google/uuid"
	"github.com/phrazzld/genpipe/internal/domain"
)

// GenerationRequest is the body of POST /v1/generations.
type GenerationRequest struct {
	Prompt      string   `json:"prompt"       validate:"max=2000"`
	Scene       string   `json:"scene"        validate:"max=64"`
	Style       string   `json:"style"        validate:"max=64"`
	Tier        string   `json:"tier"         validate:"omitempty,oneof=standard hd"`
	AspectRatio string   `json:"aspect_ratio"`
	AssetRefs   []string `json:"asset_refs"   validate:"max=16,dive,required"`
	Count       int      `json:"count"        validate:"gte=1"`
}

// Params converts the request into generation parameters.
func (r GenerationRequest) Params() domain.GenerationParams {
	return domain.GenerationParams{
		Prompt:      r.Prompt,
		Scene:       r.Scene,
		Style:       r.Style,
		Tier:        domain.Tier(r.Tier),
		AspectRatio: r.AspectRatio,
		AssetRefs:   r.AssetRefs,
	}
}

// SubmissionResponse is returned with 202 Accepted.
type SubmissionResponse struct {
	TaskID   uuid.UUID `json:"task_id"`
	WorkID   uuid.UUID `json:"work_id"`
	Status   string    `json:"status"`
	Replayed bool      `json:"replayed,omitempty"`
}

// BalanceResponse is the body of GET /v1/credits.
type BalanceResponse struct {
	UserID  uuid.UUID `json:"user_id"`
	Credits int       `json:"credits"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

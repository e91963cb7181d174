package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/genpipe/internal/domain"
	"github.com/phrazzld/genpipe/internal/generation"
	"google.golang.org/genai"
)

// ImageBackend implements generation.Backend with an image-capable Gemini
// model. One request is issued per requested image because the image
// models return a single image per candidate.
type ImageBackend struct {
	models contentGenerator
	logger *slog.Logger
}

var _ generation.Backend = (*ImageBackend)(nil)

// NewImageBackend creates an ImageBackend on client.
func NewImageBackend(client *genai.Client, logger *slog.Logger) *ImageBackend {
	return newImageBackend(client.Models, logger)
}

func newImageBackend(models contentGenerator, logger *slog.Logger) *ImageBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageBackend{models: models, logger: logger.With("component", "gemini_image_backend")}
}

// Generate produces up to req.Count images. It returns what it has when a
// later call fails after an earlier one succeeded.
func (b *ImageBackend) Generate(ctx context.Context, req generation.GenerateRequest) ([]generation.Artifact, error) {
	count := req.Count
	if count <= 0 {
		count = 1
	}

	contents := []*genai.Content{genai.NewContentFromParts(requestParts(req), genai.RoleUser)}
	cfg := &genai.GenerateContentConfig{ResponseModalities: []string{"TEXT", "IMAGE"}}

	var artifacts []generation.Artifact
	for i := 0; i < count; i++ {
		resp, err := b.models.GenerateContent(ctx, req.Model, contents, cfg)
		if err != nil {
			if len(artifacts) > 0 {
				b.logger.WarnContext(ctx, "image call failed after partial success",
					"model", req.Model,
					"generated", len(artifacts),
					"requested", count,
					"error", err)
				return artifacts, nil
			}
			return nil, fmt.Errorf("image model call failed: %w", err)
		}
		parts, err := firstCandidate(resp)
		if err != nil {
			if len(artifacts) > 0 {
				return artifacts, nil
			}
			return nil, err
		}
		for _, p := range parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			if !strings.HasPrefix(p.InlineData.MIMEType, "image/") {
				continue
			}
			artifacts = append(artifacts, generation.Artifact{
				Data:     p.InlineData.Data,
				MIMEType: p.InlineData.MIMEType,
			})
		}
	}
	if len(artifacts) > count {
		artifacts = artifacts[:count]
	}
	return artifacts, nil
}

func requestParts(req generation.GenerateRequest) []*genai.Part {
	text := req.Prompt
	if req.AspectRatio != "" {
		text += fmt.Sprintf(" Use a %s aspect ratio.", req.AspectRatio)
	}
	if req.Tier == domain.TierHD {
		text += " Render at the highest available resolution."
	}

	parts := make([]*genai.Part, 0, len(req.Images)+1)
	for _, img := range req.Images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
	}
	return append(parts, genai.NewPartFromText(text))
}

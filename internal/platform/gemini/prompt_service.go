package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phrazzld/genpipe/internal/generation"
	"google.golang.org/genai"
)

const promptInstruction = `You write instructions for an image generation model.
Given a product description, an optional scene and an optional style, reply
with a single paragraph describing the image to generate. Reply with the
instruction only.`

// PromptService implements generation.PromptService with a text model.
type PromptService struct {
	models  contentGenerator
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

var _ generation.PromptService = (*PromptService)(nil)

// NewPromptService creates a PromptService on client.
func NewPromptService(client *genai.Client, model string, timeout time.Duration, logger *slog.Logger) *PromptService {
	return newPromptService(client.Models, model, timeout, logger)
}

func newPromptService(models contentGenerator, model string, timeout time.Duration, logger *slog.Logger) *PromptService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptService{
		models:  models,
		model:   model,
		timeout: timeout,
		logger:  logger.With("component", "gemini_prompt_service"),
	}
}

// ComposePrompt asks the text model for a generation instruction.
func (s *PromptService) ComposePrompt(ctx context.Context, req generation.PromptRequest) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(promptInstruction, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.4),
	}
	contents := []*genai.Content{
		genai.NewContentFromText(describe(req), genai.RoleUser),
	}

	resp, err := s.models.GenerateContent(ctx, s.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("prompt model call failed: %w", err)
	}
	parts, err := firstCandidate(resp)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, p := range parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	prompt := strings.TrimSpace(sb.String())
	if prompt == "" {
		return "", generation.ErrEmptyPrompt
	}

	s.logger.DebugContext(ctx, "prompt composed", "model", s.model, "prompt_length", len(prompt))
	return prompt, nil
}

func describe(req generation.PromptRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Description: %s\n", orNone(req.Params.Prompt))
	fmt.Fprintf(&sb, "Scene: %s\n", orNone(req.Scene))
	fmt.Fprintf(&sb, "Style: %s\n", orNone(req.Params.Style))
	fmt.Fprintf(&sb, "Quality tier: %s\n", req.Params.Tier.OrDefault())
	if req.Params.AspectRatio != "" {
		fmt.Fprintf(&sb, "Aspect ratio: %s\n", req.Params.AspectRatio)
	}
	if req.InputImages > 0 {
		fmt.Fprintf(&sb, "The model receives %d reference image(s) to edit.\n", req.InputImages)
	}
	return sb.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}

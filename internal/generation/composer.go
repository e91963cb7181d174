package generation

import (
	"context"
	"log/slog"
	"strings"
	"text/template"

	"github.com/phrazzld/genpipe/internal/domain"
)

// SceneCatalog maps scene identifiers to their descriptions.
type SceneCatalog map[string]string

const fallbackTemplate = `{{if .Edit}}Edit the provided image{{if gt .InputImages 1}}s{{end}}{{else}}Create {{if gt .Count 1}}{{.Count}} images{{else}}an image{{end}}{{end}}
{{- with .Params.Prompt}} of {{.}}{{end}}
{{- with .Scene}}, set in {{.}}{{end}}
{{- with .Params.Style}}, in a {{.}} style{{end}}
{{- with .Params.AspectRatio}}, aspect ratio {{.}}{{end}}
{{- if eq .Params.Tier "hd"}}, highly detailed, high resolution{{end}}.`

// defaultPrompt is used when even the local template yields nothing.
const defaultPrompt = "Create a high quality product photograph."

type templateData struct {
	Params      domain.GenerationParams
	Scene       string
	InputImages int
	Count       int
	Edit        bool
}

// Composer builds generation prompts from the prompt service, falling back
// to a local template when the service fails.
type Composer struct {
	service  PromptService
	scenes   SceneCatalog
	fallback *template.Template
	logger   *slog.Logger
}

// NewComposer creates a Composer. A nil service always uses the local
// template.
func NewComposer(service PromptService, scenes SceneCatalog, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		service:  service,
		scenes:   scenes,
		fallback: template.Must(template.New("fallback").Parse(fallbackTemplate)),
		logger:   logger.With("component", "composer"),
	}
}

// Compose returns a non-empty prompt. It never fails.
func (c *Composer) Compose(ctx context.Context, params domain.GenerationParams, inputImages, count int) string {
	req := PromptRequest{
		Params:      params,
		Scene:       c.scenes[params.Scene],
		InputImages: inputImages,
		Count:       count,
	}

	if c.service != nil {
		prompt, err := c.service.ComposePrompt(ctx, req)
		prompt = strings.TrimSpace(prompt)
		if err == nil && prompt != "" {
			return prompt
		}
		if err == nil {
			err = ErrEmptyPrompt
		}
		c.logger.WarnContext(ctx, "prompt service failed, using local template", "error", err)
	}

	return c.Fallback(req)
}

// Fallback renders the deterministic local template for req.
func (c *Composer) Fallback(req PromptRequest) string {
	var sb strings.Builder
	data := templateData{
		Params:      req.Params,
		Scene:       req.Scene,
		InputImages: req.InputImages,
		Count:       req.Count,
		Edit:        req.InputImages > 0,
	}
	if err := c.fallback.Execute(&sb, data); err != nil {
		return defaultPrompt
	}
	prompt := strings.TrimSpace(sb.String())
	if prompt == "" || prompt == "." {
		return defaultPrompt
	}
	return prompt
}

package generation_test

import (
	"context"
	"errors"
	"testing"

	"github.com/phrazzld/genpipe/internal/domain"
	"github.com/phrazzld/genpipe/internal/generation"
	"github.com/phrazzld/genpipe/internal/mocks"
	"github.com/stretchr/testify/assert"
)

func TestComposer_UsesService(t *testing.T) {
	t.Parallel()

	var got generation.PromptRequest
	svc := &mocks.MockPromptService{
		ComposePromptFn: func(ctx context.Context, req generation.PromptRequest) (string, error) {
			got = req
			return "  a studio shot of a lamp  ", nil
		},
	}
	c := generation.NewComposer(svc, generation.SceneCatalog{"kitchen": "a bright kitchen"}, discardLogger())

	prompt := c.Compose(context.Background(), domain.GenerationParams{Prompt: "a lamp", Scene: "kitchen"}, 1, 2)

	assert.Equal(t, "a studio shot of a lamp", prompt)
	assert.Equal(t, "a bright kitchen", got.Scene)
	assert.Equal(t, 1, got.InputImages)
	assert.Equal(t, 2, got.Count)
}

func TestComposer_FallsBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		svc  generation.PromptService
	}{
		{name: "service error", svc: &mocks.MockPromptService{Err: errors.New("quota exceeded")}},
		{name: "blank response", svc: &mocks.MockPromptService{Prompt: "   "}},
		{name: "no service", svc: nil},
	}

	params := domain.GenerationParams{
		Prompt: "a ceramic mug",
		Scene:  "cafe",
		Style:  "watercolor",
		Tier:   domain.TierHD,
	}
	scenes := generation.SceneCatalog{"cafe": "a cozy cafe"}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := generation.NewComposer(tc.svc, scenes, discardLogger())
			prompt := c.Compose(context.Background(), params, 0, 2)
			assert.Equal(t,
				"Create 2 images of a ceramic mug, set in a cozy cafe, in a watercolor style, highly detailed, high resolution.",
				prompt)
		})
	}
}

func TestComposer_FallbackIsDeterministicAndNonEmpty(t *testing.T) {
	t.Parallel()

	c := generation.NewComposer(nil, nil, discardLogger())

	edit := generation.PromptRequest{Params: domain.GenerationParams{Prompt: "a red sneaker"}, InputImages: 2, Count: 1}
	assert.Equal(t, "Edit the provided images of a red sneaker.", c.Fallback(edit))
	assert.Equal(t, c.Fallback(edit), c.Fallback(edit))

	bare := c.Fallback(generation.PromptRequest{Count: 1})
	assert.Equal(t, "Create an image.", bare)
	assert.NotEmpty(t, c.Compose(context.Background(), domain.GenerationParams{}, 0, 0))
}

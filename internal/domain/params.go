package domain

// Tier selects the size and quality class of the generated images.
type Tier string

// Supported tiers.
const (
	TierStandard Tier = "standard"
	TierHD       Tier = "hd"
)

// IsValid reports whether t is a known tier.
func (t Tier) IsValid() bool {
	return t == TierStandard || t == TierHD
}

// OrDefault returns t, or TierStandard when t is empty.
func (t Tier) OrDefault() Tier {
	if t == "" {
		return TierStandard
	}
	return t
}

// GenerationParams are the user inputs of a generation request. The
// pipeline treats them as opaque except for the fields it needs to compose
// a prompt and resolve input images.
type GenerationParams struct {
	Prompt      string   `json:"prompt,omitempty"`
	Scene       string   `json:"scene,omitempty"`
	Style       string   `json:"style,omitempty"`
	Tier        Tier     `json:"tier,omitempty"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
	AssetRefs   []string `json:"asset_refs,omitempty"`
}

// HasInputImages reports whether the request references source assets.
func (p GenerationParams) HasInputImages() bool {
	return len(p.AssetRefs) > 0
}

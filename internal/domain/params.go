package domain

// EditType selects how the edit stage builds its instruction.
type EditType string

const (
	EditTypePrompt EditType = "prompt"
	EditTypeColor  EditType = "color"
)

// EditParams configures the AI edit stage.
type EditParams struct {
	Type              EditType `json:"type"`
	Prompt            string   `json:"prompt,omitempty"`
	Color             string   `json:"color,omitempty"`
	UseFaceMask       bool     `json:"use_face_mask,omitempty"`
	MaskFeatherPixels int      `json:"mask_feather_pixels,omitempty"`
	FaceExpandRatio   float64  `json:"face_expand_ratio,omitempty"`
}

// SwapParams configures the face-swap stage.
type SwapParams struct {
	Mapping   string  `json:"mapping,omitempty"`
	Top1Only  bool    `json:"top1_only,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

// Params is the mode-keyed processing configuration: Edit is present
// for edit_only/both, Swap for swap_only/both. Immutable after job
// creation.
type Params struct {
	Edit      *EditParams `json:"edit,omitempty"`
	Swap      *SwapParams `json:"swap,omitempty"`
	ExifStrip bool        `json:"exif_strip"`
}

// DefaultSimilarityThreshold matches the face matcher's default cutoff.
const DefaultSimilarityThreshold = 0.35

// NormalizeSwap fills zero-valued swap parameters with defaults.
func (p *Params) NormalizeSwap() {
	if p.Swap == nil {
		return
	}
	if p.Swap.Mapping == "" {
		p.Swap.Mapping = "similarity"
	}
	if p.Swap.Threshold == 0 {
		p.Swap.Threshold = DefaultSimilarityThreshold
	}
}

package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/phrazzld/genflow/internal/generation"
)

// maxImages bounds how many images one request may ask for.
const maxImages = 4

// mediaParams are the task params understood by both adapters.
type mediaParams struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
	Count          int    `json:"count,omitempty"`
}

func parseParams(raw json.RawMessage) (mediaParams, error) {
	var p mediaParams
	if len(raw) == 0 {
		return p, fmt.Errorf("%w: prompt is required", generation.ErrInvalidParams)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", generation.ErrInvalidParams, err)
	}
	p.Prompt = strings.TrimSpace(p.Prompt)
	if p.Prompt == "" {
		return p, fmt.Errorf("%w: prompt is required", generation.ErrInvalidParams)
	}
	switch p.AspectRatio {
	case "", "1:1", "3:4", "4:3", "9:16", "16:9":
	default:
		return p, fmt.Errorf("%w: unsupported aspect ratio %q", generation.ErrInvalidParams, p.AspectRatio)
	}
	if p.Count <= 0 {
		p.Count = 1
	}
	if p.Count > maxImages {
		p.Count = maxImages
	}
	return p, nil
}

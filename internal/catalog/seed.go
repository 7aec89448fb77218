package catalog

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/sluice-ai/sluice/internal/model"
)

// seedYAML is the built-in catalog used until a discovery feed replaces it.
//
//go:embed catalog.yaml
var seedYAML []byte

// manifest is the wire shape of both the embedded seed and discovery feeds.
// YAML is a superset of JSON, so one decoder covers both encodings.
type manifest struct {
	Models []manifestModel `yaml:"models"`
}

type manifestModel struct {
	Provider      string           `yaml:"provider"`
	ModelID       string           `yaml:"model_id"`
	DisplayName   string           `yaml:"display_name"`
	CostTier      string           `yaml:"cost_tier"`
	SpeedTier     string           `yaml:"speed_tier"`
	ContextWindow int              `yaml:"context_window"`
	Strengths     []string         `yaml:"strengths"`
	Multimodal    bool             `yaml:"multimodal"`
	Pricing       *manifestPricing `yaml:"pricing"`
}

type manifestPricing struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// Parse decodes a catalog manifest and validates the result.
func Parse(raw []byte) ([]model.ModelOption, error) {
	var mf manifest
	if err := yaml.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("catalog: parse manifest: %w", err)
	}

	models := make([]model.ModelOption, 0, len(mf.Models))
	for _, m := range mf.Models {
		opt := model.ModelOption{
			Provider:      m.Provider,
			ModelID:       m.ModelID,
			DisplayName:   m.DisplayName,
			CostTier:      model.CostTier(m.CostTier),
			SpeedTier:     model.SpeedTier(m.SpeedTier),
			ContextWindow: m.ContextWindow,
			Strengths:     m.Strengths,
			Multimodal:    m.Multimodal,
		}
		if m.Pricing != nil {
			opt.Pricing = &model.ModelPricing{
				InputPerMTok:  m.Pricing.InputPerMTok,
				OutputPerMTok: m.Pricing.OutputPerMTok,
			}
		}
		models = append(models, opt)
	}

	if err := Validate(models); err != nil {
		return nil, err
	}
	return models, nil
}

// Seed returns the embedded catalog.
func Seed() ([]model.ModelOption, error) {
	return Parse(seedYAML)
}

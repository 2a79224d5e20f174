package provider

import (
	_ "embed"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"
)

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ID              string `json:"id" yaml:"id" toml:"id"`
	Label           string `json:"label" yaml:"label" toml:"label"`
	Description     string `json:"description,omitempty" yaml:"description" toml:"description,omitempty"`
	Backend         Kind   `json:"backend" yaml:"-" toml:"-"`
	ContextWindow   int    `json:"context_window,omitempty" yaml:"context_window" toml:"context_window,omitempty"`
	SupportsTools   bool   `json:"supports_tools,omitempty" yaml:"supports_tools" toml:"supports_tools,omitempty"`
	SupportsVision  bool   `json:"supports_vision,omitempty" yaml:"supports_vision" toml:"supports_vision,omitempty"`
	MaxOutputTokens int    `json:"max_output_tokens,omitempty" yaml:"max_output_tokens" toml:"max_output_tokens,omitempty"`
}

//go:embed models.yaml
var builtinModelsYAML []byte

var builtinCatalog = mustParseCatalog(builtinModelsYAML)

func mustParseCatalog(data []byte) map[Kind][]ModelInfo {
	catalog, err := parseCatalog(data)
	if err != nil {
		panic(fmt.Sprintf("provider: bad built-in catalog: %v", err))
	}
	return catalog
}

func parseCatalog(data []byte) (map[Kind][]ModelInfo, error) {
	var raw map[Kind][]ModelInfo
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for kind, models := range raw {
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
		}
		for i := range models {
			models[i].Backend = kind
		}
	}
	return raw, nil
}

// BuiltinModels returns the static catalog for a backend.
func BuiltinModels(kind Kind) []ModelInfo {
	return slices.Clone(builtinCatalog[kind])
}

// Catalog merges the built-in table with custom models. A custom model with
// the same id as a built-in replaces it.
func Catalog(kind Kind, custom []ModelInfo) []ModelInfo {
	out := BuiltinModels(kind)
	for _, m := range custom {
		if m.ID == "" {
			continue
		}
		m.Backend = kind
		if m.Label == "" {
			m.Label = m.ID
		}
		if i := slices.IndexFunc(out, func(b ModelInfo) bool { return b.ID == m.ID }); i >= 0 {
			out[i] = m
			continue
		}
		out = append(out, m)
	}
	return out
}

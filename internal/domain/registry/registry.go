// Package registry loads and serves the Model Registry: the static,
// process-lifetime table of segmentation model metadata keyed by model
// name.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
)

// InputSpace names which volume variant a model consumes.
type InputSpace string

const (
	InputNative    InputSpace = "native"
	InputConformed InputSpace = "conformed"
)

// NormalizationPolicy selects how intensities are rescaled before
// inference.
type NormalizationPolicy string

const (
	NormAuto       NormalizationPolicy = "auto"
	NormFixed      NormalizationPolicy = "fixed"
	NormPercentile NormalizationPolicy = "percentile"
)

// Entry is one model's static configuration. Immutable for the process
// lifetime once loaded.
type Entry struct {
	Name                string              `json:"name"`
	Kind                string              `json:"kind"`
	InputSpace          InputSpace          `json:"input_space"`
	CheckpointPath      string              `json:"checkpoint_path"`
	SpatialSize         [3]int              `json:"spatial_size"`
	NumClasses          int                 `json:"num_classes"`
	NormalizationPolicy NormalizationPolicy `json:"normalization_policy"`
	InterpMode          string              `json:"interp_mode"`
	PercentileRange     [2]float64          `json:"percentile_range,omitempty"`
	FixedRange          [2]float64          `json:"fixed_range,omitempty"`
	ResizeTarget        *[3]int             `json:"resize_target,omitempty"`
	ProjectionVariant   string              `json:"projection_variant,omitempty"`
}

// ErrUnknownModel is returned when a requested model name is not in the
// registry. Unknown names must fail fast, never silently substitute a
// default.
type ErrUnknownModel struct {
	Name string
}

func (e ErrUnknownModel) Error() string {
	return fmt.Sprintf("registry: unknown model %q", e.Name)
}

// Registry is the immutable, process-lifetime model table.
type Registry struct {
	entries map[string]Entry
}

// Load reads a JSON manifest file (MODEL_ROOT/registry.json) listing every
// known model's Entry. The manifest format is a JSON array of Entry so
// operators can add a model without a rebuild.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read manifest %s: %w", path, err)
	}

	var list []Entry
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("registry: parse manifest %s: %w", path, err)
	}

	entries := make(map[string]Entry, len(list))
	for _, e := range list {
		if e.Name == "" {
			return nil, fmt.Errorf("registry: manifest %s has an entry with no name", path)
		}
		entries[e.Name] = e
	}
	return &Registry{entries: entries}, nil
}

// Get returns the Entry for a model name, or ErrUnknownModel.
func (r *Registry) Get(name string) (Entry, error) {
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, ErrUnknownModel{Name: name}
	}
	return e, nil
}

// Names returns every known model name, order unspecified.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	return names
}

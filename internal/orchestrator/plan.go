package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/neuroinfer/segserve/internal/domain/registry"
	"github.com/neuroinfer/segserve/internal/domain/segjob"
	"github.com/neuroinfer/segserve/internal/pipeline"
)

// allModelsSentinel expands to every model in the registry, per spec §4.9
// step 4.
const allModelsSentinel = "all"

// resolveModels parses the comma-separated models parameter, expanding the
// "all" sentinel to the registry's full, sorted name list.
func resolveModels(raw string, reg *registry.Registry) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("orchestrator: models parameter is required")
	}
	if raw == allModelsSentinel {
		names := reg.Names()
		sort.Strings(names)
		return names, nil
	}

	parts := strings.Split(raw, ",")
	models := make([]string, 0, len(parts))
	for _, p := range parts {
		name := strings.TrimSpace(p)
		if name == "" {
			continue
		}
		if _, err := reg.Get(name); err != nil {
			return nil, err
		}
		models = append(models, name)
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("orchestrator: models parameter named no models")
	}
	return models, nil
}

// buildPlan resolves each model's required input space into a segjob.Step.
// When a model needs the conformed variant and it has not yet been
// produced for this session, resample is invoked exactly once and the
// result is cached at conformedPath for every subsequent step that needs
// it — spec §4.9 step 5's "invoke the external resampler once and cache
// the result; subsequent steps reuse it".
func buildPlan(ctx context.Context, reg *registry.Registry, models []string, nativePath, conformedPath string, resample func(ctx context.Context, srcPath, dstPath string) error) ([]segjob.Step, error) {
	plan := make([]segjob.Step, 0, len(models))
	var conformedReady bool

	for _, name := range models {
		entry, err := reg.Get(name)
		if err != nil {
			return nil, err
		}

		inputPath := nativePath
		if entry.InputSpace == registry.InputConformed {
			inputPath = conformedPath
			if !conformedReady {
				if err := resample(ctx, nativePath, conformedPath); err != nil {
					return nil, fmt.Errorf("orchestrator: conform input for %s: %w", name, err)
				}
				conformedReady = true
			}
		}

		plan = append(plan, segjob.Step{ModelName: name, InputPath: inputPath})
	}
	return plan, nil
}

// resamplerFunc adapts a pipeline.ResamplerClient to buildPlan's resample
// callback shape.
func resamplerFunc(client pipeline.ResamplerClient) func(ctx context.Context, srcPath, dstPath string) error {
	return func(ctx context.Context, srcPath, dstPath string) error {
		return client.ConvertNearestRegheader(ctx, srcPath, dstPath)
	}
}

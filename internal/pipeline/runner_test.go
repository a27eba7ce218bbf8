package pipeline_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/neuroinfer/segserve/internal/domain/registry"
	"github.com/neuroinfer/segserve/internal/eventbus"
	"github.com/neuroinfer/segserve/internal/pipeline"
	"github.com/neuroinfer/segserve/internal/pipeline/pipelinetest"
	"github.com/neuroinfer/segserve/internal/sharedstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCheckpoint(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.ckpt")
	require.NoError(t, os.WriteFile(path, []byte("fake"), 0o644))
	return path
}

func newTestRunner(t *testing.T, predictor pipeline.Predictor) (*pipeline.Runner, sharedstate.Store, *eventbus.Bus, *pipelinetest.VolumeStore) {
	t.Helper()
	store := sharedstate.NewMemoryBackend()
	bus := eventbus.New(store, []byte("secret"))
	volumes := pipelinetest.NewVolumeStore()

	r := &pipeline.Runner{
		Volumes:   volumes,
		Predictor: predictor,
		Store:     store,
		Bus:       bus,
	}
	return r, store, bus, volumes
}

func TestRunnerSuccessPath(t *testing.T) {
	ckpt := testCheckpoint(t)
	entry := registry.Entry{
		Name:                "modelA",
		Kind:                "segmentation",
		InputSpace:          registry.InputNative,
		CheckpointPath:      ckpt,
		SpatialSize:         [3]int{2, 2, 2},
		NumClasses:          2,
		NormalizationPolicy: registry.NormFixed,
		InterpMode:          "trilinear",
		FixedRange:          [2]float64{0, 255},
	}
	reg, err := registryFromEntries(t, entry)
	require.NoError(t, err)

	predictor := pipelinetest.NewPredictor()
	r, _, _, volumes := newTestRunner(t, predictor)
	r.Registry = reg

	vol := pipeline.Volume{Data: make([]float32, 8), Shape: [3]int{2, 2, 2}}
	for i := range vol.Data {
		vol.Data[i] = float32(i)
	}
	volumes.Put("in.nii.gz", vol)

	out, err := r.Run(context.Background(), "sid-1", "modelA", "in.nii.gz", "out.nii.gz", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "out.nii.gz", out)

	_, ok := volumes.Saved("out.nii.gz")
	assert.True(t, ok)
}

func TestRunnerMissingModelFails(t *testing.T) {
	reg, err := registry.Load(writeEmptyRegistry(t))
	require.NoError(t, err)

	predictor := pipelinetest.NewPredictor()
	r, _, _, _ := newTestRunner(t, predictor)
	r.Registry = reg

	_, err = r.Run(context.Background(), "sid-1", "does_not_exist", "in.nii.gz", "out.nii.gz", "", 0)
	require.Error(t, err)
	var stepErr *pipeline.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "missing_model", stepErr.Kind)
}

func TestRunnerOOMRetrySucceedsOnce(t *testing.T) {
	ckpt := testCheckpoint(t)
	entry := registry.Entry{
		Name:           "modelA",
		InputSpace:     registry.InputNative,
		CheckpointPath: ckpt,
		SpatialSize:    [3]int{2, 2, 2},
		FixedRange:     [2]float64{0, 255},
	}
	reg, err := registryFromEntries(t, entry)
	require.NoError(t, err)

	predictor := pipelinetest.NewPredictor()
	predictor.FailFirstNWithOOM(1)
	r, _, _, volumes := newTestRunner(t, predictor)
	r.Registry = reg

	vol := pipeline.Volume{Data: make([]float32, 8), Shape: [3]int{2, 2, 2}}
	volumes.Put("in.nii.gz", vol)

	_, err = r.Run(context.Background(), "sid-1", "modelA", "in.nii.gz", "out.nii.gz", "", 0)
	require.NoError(t, err)
}

func TestRunnerOOMTwiceIsFatal(t *testing.T) {
	ckpt := testCheckpoint(t)
	entry := registry.Entry{
		Name:           "modelA",
		InputSpace:     registry.InputNative,
		CheckpointPath: ckpt,
		SpatialSize:    [3]int{2, 2, 2},
		FixedRange:     [2]float64{0, 255},
	}
	reg, err := registryFromEntries(t, entry)
	require.NoError(t, err)

	predictor := pipelinetest.NewPredictor()
	predictor.FailFirstNWithOOM(2)
	r, _, _, volumes := newTestRunner(t, predictor)
	r.Registry = reg

	vol := pipeline.Volume{Data: make([]float32, 8), Shape: [3]int{2, 2, 2}}
	volumes.Put("in.nii.gz", vol)

	_, err = r.Run(context.Background(), "sid-1", "modelA", "in.nii.gz", "out.nii.gz", "", 0)
	require.Error(t, err)
	var stepErr *pipeline.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "oom", stepErr.Kind)
}

func registryFromEntries(t *testing.T, entries ...registry.Entry) (*registry.Registry, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.json")
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return registry.Load(path)
}

func writeEmptyRegistry(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o644))
	return path
}

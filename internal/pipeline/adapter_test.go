package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/neuroinfer/segserve/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeEchoHelper writes an executable shell script standing in for an
// imaging/model helper subprocess: it copies its request file verbatim to
// its response path, so the adapter's request shape round-trips as the
// response shape under test.
func writeEchoHelper(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("helper scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "helper.sh")
	script := "#!/bin/sh\ncp \"$2\" \"$3\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func writeFixedResponseHelper(t *testing.T, response string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("helper scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "helper.sh")
	script := "#!/bin/sh\ncat > \"$3\" <<'EOF'\n" + response + "\nEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestExternalVolumeStoreLoadRoundTrips(t *testing.T) {
	helper := writeFixedResponseHelper(t, `{"shape":[2,2,2],"spacing":[1,1,1]}`)
	store := pipeline.NewExternalVolumeStore(helper)

	v, err := store.Load(context.Background(), "/data/seg.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 2, 2}, v.Shape)
}

func TestExternalVolumeStoreSaveLabelVolumeAtomic(t *testing.T) {
	helper := writeFixedResponseHelper(t, `{"ok":true}`)
	store := pipeline.NewExternalVolumeStore(helper)

	err := store.SaveLabelVolumeAtomic(context.Background(), "/data/out.nii.gz", pipeline.Volume{Shape: [3]int{1, 1, 1}}, [4][4]float64{}, nil)
	assert.NoError(t, err)
}

func TestExternalPredictorPredictReturnsErrOOMOnFlag(t *testing.T) {
	helper := writeFixedResponseHelper(t, `{"oom":true}`)
	predictor := pipeline.NewExternalPredictor(helper)

	_, err := predictor.Predict(context.Background(), 0, pipeline.Volume{}, 4)
	assert.ErrorIs(t, err, pipeline.ErrOOM)
}

func TestExternalPredictorPredictSurfacesNonOOMHelperError(t *testing.T) {
	helper := writeFixedResponseHelper(t, `{"error":"checkpoint not loaded"}`)
	predictor := pipeline.NewExternalPredictor(helper)

	_, err := predictor.Predict(context.Background(), 0, pipeline.Volume{}, 4)
	require.Error(t, err)
	assert.NotErrorIs(t, err, pipeline.ErrOOM)
	assert.Contains(t, err.Error(), "checkpoint not loaded")
}

func TestExternalPredictorLoadAndUnload(t *testing.T) {
	helper := writeFixedResponseHelper(t, `{"ok":true}`)
	predictor := pipeline.NewExternalPredictor(helper)

	require.NoError(t, predictor.Load(context.Background(), 0, "/models/ckpt.bin"))
	require.NoError(t, predictor.Unload(context.Background(), 0))
}

func TestExternalResamplerConvertNearestRegheaderMissingOutputFails(t *testing.T) {
	helper := writeFixedResponseHelper(t, "") // script still runs but never creates dstPath
	resampler := pipeline.NewExternalResampler(helper)

	dst := filepath.Join(t.TempDir(), "resampled.nii.gz")
	err := resampler.ConvertNearestRegheader(context.Background(), "/data/src.nii.gz", dst)
	assert.Error(t, err)
}

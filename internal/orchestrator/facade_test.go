package orchestrator_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"

	"github.com/neuroinfer/segserve/internal/domain/registry"
	"github.com/neuroinfer/segserve/internal/eventbus"
	"github.com/neuroinfer/segserve/internal/orchestrator"
	"github.com/neuroinfer/segserve/internal/pipeline/pipelinetest"
	"github.com/neuroinfer/segserve/internal/session"
	"github.com/neuroinfer/segserve/internal/sharedstate"
	"github.com/stretchr/testify/require"
)

func writeRegistryFile(t *testing.T, entries []registry.Entry) string {
	t.Helper()
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	path := t.TempDir() + "/registry.json"
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestPredictEnqueuesJobAcrossNativeAndConformedModels(t *testing.T) {
	regPath := writeRegistryFile(t, []registry.Entry{
		{Name: "native_model", Kind: "segmentation", InputSpace: registry.InputNative, NumClasses: 2},
		{Name: "conformed_model", Kind: "segmentation", InputSpace: registry.InputConformed, NumClasses: 2},
	})
	reg, err := registry.Load(regPath)
	require.NoError(t, err)

	store := sharedstate.NewMemoryBackend()
	bus := eventbus.New(store, []byte("secret"))
	sessions := session.New(t.TempDir(), nil)
	resampler := &pipelinetest.Resampler{}

	facade := orchestrator.New(sessions, reg, store, bus, resampler, nil, nil)

	var body bytes.Buffer
	gz := gzip.NewWriter(&body)
	_, err = gz.Write([]byte("fake-nifti-bytes"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	result, err := facade.Predict(context.Background(), "scan.nii.gz", &body, "all")
	require.NoError(t, err)
	require.NotEmpty(t, result.SessionID)
	require.ElementsMatch(t, []string{"native_model", "conformed_model"}, result.Models)
	require.Equal(t, "conformed", result.Space)
	require.Equal(t, int64(1), result.QueuePosition)
	require.Equal(t, 1, resampler.Calls)

	raw, ok, err := store.LPop(context.Background(), "job_queue")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, raw)

	f, err := os.Open(sessions.NativeInput(result.SessionID))
	require.NoError(t, err)
	defer f.Close()
	reader, err := gzip.NewReader(f)
	require.NoError(t, err)
	decoded, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.Equal(t, "fake-nifti-bytes", string(decoded))
}

func TestPredictRejectsNonNIfTIFilename(t *testing.T) {
	regPath := writeRegistryFile(t, []registry.Entry{{Name: "m1", InputSpace: registry.InputNative}})
	reg, err := registry.Load(regPath)
	require.NoError(t, err)

	store := sharedstate.NewMemoryBackend()
	bus := eventbus.New(store, []byte("secret"))
	sessions := session.New(t.TempDir(), nil)
	facade := orchestrator.New(sessions, reg, store, bus, &pipelinetest.Resampler{}, nil, nil)

	_, err = facade.Predict(context.Background(), "scan.dcm", bytes.NewReader(nil), "all")
	require.Error(t, err)
	var badUpload orchestrator.ErrBadUpload
	require.ErrorAs(t, err, &badUpload)
}

func TestSimulateValidatesRecipeBalance(t *testing.T) {
	regPath := writeRegistryFile(t, []registry.Entry{{Name: "whole_tumor", InputSpace: registry.InputNative}})
	reg, err := registry.Load(regPath)
	require.NoError(t, err)

	store := sharedstate.NewMemoryBackend()
	bus := eventbus.New(store, []byte("secret"))
	sessions := session.New(t.TempDir(), nil)
	facade := orchestrator.New(sessions, reg, store, bus, &pipelinetest.Resampler{}, nil, nil)

	sid, err := sessions.Create()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(sessions.ModelOutput(sid, "whole_tumor"), []byte("seg"), 0o644))

	unbalanced := []byte(`{"session_id":"` + sid + `","model_name":"whole_tumor","recipe":["F3",2,"F4",-1]}`)
	_, err = facade.Simulate(context.Background(), "roast_queue", unbalanced)
	require.Error(t, err)

	balanced := []byte(`{"session_id":"` + sid + `","model_name":"whole_tumor","recipe":["F3",2,"F4",-2]}`)
	result, err := facade.Simulate(context.Background(), "roast_queue", balanced)
	require.NoError(t, err)
	require.Equal(t, "queued", result.Status)

	n, err := store.LLen(context.Background(), "roast_queue")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

package simscheduler_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/neuroinfer/segserve/internal/domain/simjob"
	"github.com/neuroinfer/segserve/internal/simscheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixedResponseScript(t *testing.T, response string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("helper scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "helper.sh")
	script := "#!/bin/sh\ncat > \"$3\" <<'EOF'\n" + response + "\nEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestExternalWorkdirDecompressToFile(t *testing.T) {
	workdir := simscheduler.NewExternalWorkdir("")

	dir := t.TempDir()
	srcGz := filepath.Join(dir, "label.nii.gz")
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte("nifti-bytes"))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	require.NoError(t, os.WriteFile(srcGz, buf.Bytes(), 0o644))

	dst := filepath.Join(dir, "label.nii")
	require.NoError(t, workdir.DecompressToFile(context.Background(), srcGz, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "nifti-bytes", string(got))
}

func TestExternalWorkdirCopyFile(t *testing.T) {
	workdir := simscheduler.NewExternalWorkdir("")

	dir := t.TempDir()
	src := filepath.Join(dir, "mesh.msh")
	require.NoError(t, os.WriteFile(src, []byte("mesh-data"), 0o644))

	dst := filepath.Join(dir, "mesh_copy.msh")
	require.NoError(t, workdir.CopyFile(context.Background(), src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "mesh-data", string(got))
}

func TestExternalWorkdirLoadLabelBytes(t *testing.T) {
	helper := writeFixedResponseScript(t, `{"data":"YWJj","shape":[1,2,3]}`)
	workdir := simscheduler.NewExternalWorkdir(helper)

	data, _, shape, err := workdir.LoadLabelBytes(context.Background(), "/data/seg.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)
	assert.Equal(t, [3]int{1, 2, 3}, shape)
}

func TestExternalWorkdirSaveLabelBytes(t *testing.T) {
	helper := writeFixedResponseScript(t, `{"ok":true}`)
	workdir := simscheduler.NewExternalWorkdir(helper)

	err := workdir.SaveLabelBytes(context.Background(), "/data/out.nii.gz", []byte("abc"), [3]int{1, 1, 1}, [4][4]float64{})
	assert.NoError(t, err)
}

func TestExternalFEMSolverSolveWritesRecipeAndChecksOutput(t *testing.T) {
	femDir := t.TempDir()
	helper := writeFixedResponseScript(t, "") // unused by Solve's invocation path

	script := "#!/bin/sh\ntouch \"$3/voltage.nii.gz\"\n"
	binPath := filepath.Join(t.TempDir(), "fem_solve.sh")
	require.NoError(t, os.WriteFile(binPath, []byte(script), 0o755))
	_ = helper

	solver := simscheduler.NewExternalFEMSolver(binPath)
	err := solver.Solve(context.Background(), "/data/head.msh", femDir, []simjob.RecipeEntry{{Label: "C3", CurrentMA: 1.0}}, nil)
	require.NoError(t, err)

	recipeBytes, err := os.ReadFile(filepath.Join(femDir, "recipe.json"))
	require.NoError(t, err)
	assert.Contains(t, string(recipeBytes), "C3")
}

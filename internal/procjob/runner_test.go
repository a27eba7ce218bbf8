package procjob_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/neuroinfer/segserve/internal/procjob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerSucceedsAndVerifiesOutputs(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.txt")

	var progress []int
	spec := procjob.Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo solving 25 percent; echo done 100 percent; touch " + outPath},
		WorkDir: dir,
		Matchers: []procjob.ProgressMatcher{
			{Substr: "25 percent", Progress: 25, Kind: "sim_progress"},
			{Substr: "100 percent", Progress: 100, Kind: "sim_progress"},
		},
		ExpectedOutputs: []string{outPath},
	}

	var r procjob.Runner
	err := r.Run(context.Background(), spec, func(p int, kind string) {
		progress = append(progress, p)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{25, 100}, progress)
}

func TestRunnerFailsOnMissingOutput(t *testing.T) {
	dir := t.TempDir()
	spec := procjob.Spec{
		Command:         "/bin/sh",
		Args:            []string{"-c", "true"},
		WorkDir:         dir,
		ExpectedOutputs: []string{filepath.Join(dir, "never_written.txt")},
	}

	var r procjob.Runner
	err := r.Run(context.Background(), spec, nil)
	require.Error(t, err)
	var procErr *procjob.ProcError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, "missing_output", procErr.Kind)
}

func TestRunnerFailsOnNonzeroExit(t *testing.T) {
	dir := t.TempDir()
	spec := procjob.Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 1"},
		WorkDir: dir,
	}

	var r procjob.Runner
	err := r.Run(context.Background(), spec, nil)
	require.Error(t, err)
	var procErr *procjob.ProcError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, "subprocess", procErr.Kind)
}

func TestRunnerKillsOnTimeout(t *testing.T) {
	dir := t.TempDir()
	spec := procjob.Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 5"},
		WorkDir: dir,
		Timeout: 50 * time.Millisecond,
	}

	var r procjob.Runner
	err := r.Run(context.Background(), spec, nil)
	require.Error(t, err)
	var procErr *procjob.ProcError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, "timeout", procErr.Kind)
}

func TestRunnerFoldCaseMatchesMixedCaseLines(t *testing.T) {
	dir := t.TempDir()
	var progress []int
	spec := procjob.Spec{
		Command:  "/bin/sh",
		Args:     []string{"-c", "echo Registering subject"},
		WorkDir:  dir,
		FoldCase: true,
		Matchers: []procjob.ProgressMatcher{
			{Substr: "registering", Progress: 10, Kind: "simnibs_charm_register"},
		},
	}

	var r procjob.Runner
	err := r.Run(context.Background(), spec, func(p int, kind string) {
		progress = append(progress, p)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{10}, progress)
}

func TestRemapLabels(t *testing.T) {
	in := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 200}
	out := procjob.RemapLabels(in)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 4, 5, 0, 5, 5, 0, 6, 0}, out)
}

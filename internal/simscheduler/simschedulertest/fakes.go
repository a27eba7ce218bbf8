// Package simschedulertest provides in-memory fakes for the simscheduler
// package's opaque collaborators (WorkdirIO, FEMSolver), used by the ROAST
// and SimNIBS scheduler tests.
package simschedulertest

import (
	"context"
	"os"
	"sync"

	"github.com/neuroinfer/segserve/internal/domain/simjob"
)

// Workdir is a fake simscheduler.WorkdirIO that touches files instead of
// performing real imaging I/O, so ExpectedOutputs checks and workdir
// staging both still exercise real paths.
type Workdir struct {
	mu     sync.Mutex
	labels map[string][]byte
}

// NewWorkdir constructs an empty fake.
func NewWorkdir() *Workdir {
	return &Workdir{labels: map[string][]byte{}}
}

// PutLabelBytes registers the bytes LoadLabelBytes returns for path.
func (w *Workdir) PutLabelBytes(path string, data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.labels[path] = data
}

func (w *Workdir) DecompressToFile(ctx context.Context, srcGz, dstPath string) error {
	return os.WriteFile(dstPath, []byte("decompressed"), 0o644)
}

func (w *Workdir) CopyFile(ctx context.Context, src, dst string) error {
	return os.WriteFile(dst, []byte("copied"), 0o644)
}

func (w *Workdir) LoadLabelBytes(ctx context.Context, path string) ([]byte, [4][4]float64, [3]int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, ok := w.labels[path]
	if !ok {
		data = []byte{1, 2, 3}
	}
	return data, [4][4]float64{}, [3]int{1, 1, len(data)}, nil
}

func (w *Workdir) SaveLabelBytes(ctx context.Context, path string, data []byte, shape [3]int, affine [4][4]float64) error {
	return os.WriteFile(path, data, 0o644)
}

// FEMSolver is a fake simscheduler.FEMSolver.
type FEMSolver struct {
	Delay   func()
	FailErr error
}

func (f *FEMSolver) Solve(ctx context.Context, meshPath, femDir string, recipe []simjob.RecipeEntry, electrodeSpec []byte) error {
	if f.Delay != nil {
		f.Delay()
	}
	return f.FailErr
}

// Package pipelinetest provides in-memory fakes for the pipeline package's
// opaque collaborators (VolumeStore, Predictor, ResamplerClient), used by
// pipeline and scheduler tests so they never touch real imaging or model
// code.
package pipelinetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/neuroinfer/segserve/internal/pipeline"
)

// VolumeStore is an in-memory VolumeStore keyed by path. Load returns
// whatever was registered via Put; every transform is a no-op pass-through
// except ResizeWithPadOrCrop/ResizeToOriginal, which reshape Data by
// truncation or zero-padding so shape bookkeeping stays consistent.
type VolumeStore struct {
	mu      sync.Mutex
	volumes map[string]pipeline.Volume
	saved   map[string]pipeline.Volume
}

// NewVolumeStore constructs an empty fake store.
func NewVolumeStore() *VolumeStore {
	return &VolumeStore{volumes: map[string]pipeline.Volume{}, saved: map[string]pipeline.Volume{}}
}

// Put registers a volume to be returned by a future Load(path).
func (s *VolumeStore) Put(path string, v pipeline.Volume) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volumes[path] = v
}

// Saved returns whatever was last written to path via
// SaveLabelVolumeAtomic.
func (s *VolumeStore) Saved(path string) (pipeline.Volume, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.saved[path]
	return v, ok
}

func (s *VolumeStore) Load(ctx context.Context, path string) (pipeline.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.volumes[path]
	if !ok {
		return pipeline.Volume{}, fmt.Errorf("pipelinetest: no volume registered for %s", path)
	}
	return v, nil
}

func (s *VolumeStore) Resample(ctx context.Context, v pipeline.Volume, interpMode string) (pipeline.Volume, error) {
	return v, nil
}

func (s *VolumeStore) ReorientRAS(ctx context.Context, v pipeline.Volume) (pipeline.Volume, error) {
	return v, nil
}

func (s *VolumeStore) CropForeground(ctx context.Context, v pipeline.Volume) (pipeline.Volume, error) {
	return v, nil
}

func (s *VolumeStore) ResizeWithPadOrCrop(ctx context.Context, v pipeline.Volume, target [3]int) (pipeline.Volume, error) {
	return reshape(v, target), nil
}

func (s *VolumeStore) ResizeToOriginal(ctx context.Context, v pipeline.Volume, originalShape [3]int) (pipeline.Volume, error) {
	return reshape(v, originalShape), nil
}

func (s *VolumeStore) SaveLabelVolumeAtomic(ctx context.Context, path string, v pipeline.Volume, affine [4][4]float64, header map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.Affine = affine
	v.Header = header
	s.saved[path] = v
	return nil
}

func reshape(v pipeline.Volume, target [3]int) pipeline.Volume {
	n := target[0] * target[1] * target[2]
	out := pipeline.Volume{Data: make([]float32, n), Shape: target, Affine: v.Affine, Header: v.Header}
	copy(out.Data, v.Data)
	return out
}

// Predictor is a fake Predictor that always succeeds unless configured to
// fail with ErrOOM on its first N calls (counted across all slots), or to
// fail permanently.
type Predictor struct {
	mu          sync.Mutex
	loaded      map[int]string
	oomAttempts int // number of leading calls that return ErrOOM
	calls       int
	permFail    error
}

// NewPredictor constructs a fake that always succeeds.
func NewPredictor() *Predictor {
	return &Predictor{loaded: map[int]string{}}
}

// FailFirstNWithOOM makes the first n Predict calls across the whole
// fake's lifetime return pipeline.ErrOOM.
func (p *Predictor) FailFirstNWithOOM(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.oomAttempts = n
}

// FailPermanently makes every Predict call return err.
func (p *Predictor) FailPermanently(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permFail = err
}

func (p *Predictor) Load(ctx context.Context, slotID int, checkpointPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded[slotID] = checkpointPath
	return nil
}

func (p *Predictor) Predict(ctx context.Context, slotID int, window pipeline.Volume, tileBatch int) (pipeline.Volume, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.permFail != nil {
		return pipeline.Volume{}, p.permFail
	}
	if p.calls <= p.oomAttempts {
		return pipeline.Volume{}, pipeline.ErrOOM
	}
	out := pipeline.Volume{Data: make([]float32, len(window.Data)), Shape: window.Shape}
	copy(out.Data, window.Data)
	return out, nil
}

func (p *Predictor) Unload(ctx context.Context, slotID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.loaded, slotID)
	return nil
}

// Resampler is a fake ResamplerClient.
type Resampler struct {
	FailWith error
	Calls    int
}

func (r *Resampler) ConvertNearestRegheader(ctx context.Context, srcPath, dstPath string) error {
	r.Calls++
	return r.FailWith
}

// Package pipeline implements the Pipeline Runner: the
// load->preprocess->infer->postprocess->save sequence that executes one
// Step of a Job on a reserved accelerator slot.
package pipeline

import (
	"context"
	"math"
	"sort"
)

// Volume is the in-memory representation of one 3D image volume plus the
// header metadata needed to write it back out with the original
// orientation. Voxel storage is intentionally the only numerically
// concrete piece here; resampling, reorientation, and inference are
// delegated to VolumeStore/Predictor, whose real implementations belong to
// the opaque imaging/model stack this package never guesses at.
type Volume struct {
	Data   []float32
	Shape  [3]int
	Affine [4][4]float64
	Header map[string]interface{}
}

// MaxIntensity returns the maximum voxel value, used to pick a
// normalization branch.
func (v Volume) MaxIntensity() float32 {
	var m float32
	for _, x := range v.Data {
		if x > m {
			m = x
		}
	}
	return m
}

// ClipPercentile clips to the [pLow, pHigh] percentiles of the data and
// rescales the clipped range to [0, 1] with an epsilon-safe denominator.
func (v Volume) ClipPercentile(pLow, pHigh float64) Volume {
	sorted := append([]float32(nil), v.Data...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	lo := percentileValue(sorted, pLow)
	hi := percentileValue(sorted, pHigh)
	return v.clipAndRescale(lo, hi)
}

// ClipFixed clips to [aMin, aMax] and rescales to [0, 1].
func (v Volume) ClipFixed(aMin, aMax float64) Volume {
	return v.clipAndRescale(aMin, aMax)
}

func (v Volume) clipAndRescale(lo, hi float64) Volume {
	out := Volume{Data: make([]float32, len(v.Data)), Shape: v.Shape, Affine: v.Affine, Header: v.Header}
	denom := hi - lo
	if math.Abs(denom) < 1e-9 {
		denom = 1e-9
	}
	for i, x := range v.Data {
		c := float64(x)
		if c < lo {
			c = lo
		}
		if c > hi {
			c = hi
		}
		out.Data[i] = float32((c - lo) / denom)
	}
	return out
}

func percentileValue(sorted []float32, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(pct / 100 * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx])
}

// VolumeStore is the opaque collaborator for image I/O and the imaging
// operations this package does not reimplement: resampling, reorientation,
// foreground cropping, and pad-or-crop resizing. Production adapters wrap
// the service's actual numerics/codec stack; tests use an in-memory fake in
// internal/pipeline/pipelinetest.
type VolumeStore interface {
	Load(ctx context.Context, path string) (Volume, error)
	// Resample returns v resampled to isotropic 1mm pixel spacing using
	// interpMode.
	Resample(ctx context.Context, v Volume, interpMode string) (Volume, error)
	// ReorientRAS returns v reoriented to RAS.
	ReorientRAS(ctx context.Context, v Volume) (Volume, error)
	// CropForeground returns v cropped to its foreground bounding box.
	CropForeground(ctx context.Context, v Volume) (Volume, error)
	// ResizeWithPadOrCrop returns v resized to target via padding or
	// cropping as needed.
	ResizeWithPadOrCrop(ctx context.Context, v Volume, target [3]int) (Volume, error)
	// ResizeToOriginal resizes a label volume back to originalShape using
	// constant padding.
	ResizeToOriginal(ctx context.Context, v Volume, originalShape [3]int) (Volume, error)
	// SaveLabelVolumeAtomic writes v as an 8-bit label volume using
	// affine/header, staging to a sibling path and renaming into place.
	SaveLabelVolumeAtomic(ctx context.Context, path string, v Volume, affine [4][4]float64, header map[string]interface{}) error
}

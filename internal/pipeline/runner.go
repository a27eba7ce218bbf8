package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/neuroinfer/segserve/internal/domain/registry"
	"github.com/neuroinfer/segserve/internal/eventbus"
	"github.com/neuroinfer/segserve/internal/obslog"
	"github.com/neuroinfer/segserve/internal/sharedstate"
)

// ResamplerClient invokes the external resampler binary used to produce a
// native-orientation copy of a conformed-space output. It is a thin
// subprocess wrapper, not the pipeline's main concern, so it lives behind
// its own small interface.
type ResamplerClient interface {
	ConvertNearestRegheader(ctx context.Context, srcPath, dstPath string) error
}

// StepError carries the error-kind taxonomy the Segmentation Scheduler
// reports in a job's failure summary.
type StepError struct {
	Kind string // "missing_model", "oom", or "" for an unclassified failure
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// Runner executes one Step of a Job on a reserved accelerator slot. It is a
// pure function of (session_id, model_name, input_path, slot_id) ->
// output_path | error, aside from the progress/event side effects the
// specification requires at each transition.
type Runner struct {
	Registry   *registry.Registry
	Volumes    VolumeStore
	Predictor  Predictor
	Resampler  ResamplerClient
	Store      sharedstate.Store
	Bus        *eventbus.Bus
	Logger     *obslog.Logger
	Audit      *obslog.AuditWriter
}

func progressKey(sid string) string { return "progress:" + sid }

func (r *Runner) setProgress(ctx context.Context, sid, model string, percent int, tag string) {
	if err := r.Store.HSet(ctx, progressKey(sid), model, fmt.Sprintf(`{"percent":%d,"tag":%q}`, percent, tag)); err != nil && r.Logger != nil {
		r.Logger.WithSession(sid).WithError(err).Error("set progress")
	}
}

func (r *Runner) emit(ctx context.Context, sid, model, kind string, progress int, detail string) {
	payload := map[string]interface{}{"model": model, "progress": progress}
	if detail != "" {
		payload["detail"] = detail
	}
	if err := r.Bus.Publish(ctx, sid, kind, payload); err != nil && r.Logger != nil {
		r.Logger.WithSession(sid).WithError(err).Error("publish event")
	}
	if r.Audit != nil {
		r.Audit.Append(ctx, sid, model, kind, detail)
	}
}

// Run executes the full load->preprocess->infer->save sequence for one
// step, returning the canonical output path on success. outputPath is the
// canonical destination the Session Store assigned this (session, model)
// pair; conformedOutputPath is only used when the registry marks this
// model's input space as conformed, per step 8 of the specification.
func (r *Runner) Run(ctx context.Context, sid, model, inputPath, outputPath, conformedOutputPath string, slotID int) (string, error) {
	entry, err := r.Registry.Get(model)
	if err != nil {
		return "", r.fail(ctx, sid, model, "missing_model", err)
	}

	// 1. model_load_start
	r.transition(ctx, sid, model, "model_load_start", 5, "waiting_gpu")
	if _, statErr := os.Stat(entry.CheckpointPath); statErr != nil {
		return "", r.fail(ctx, sid, model, "missing_model", fmt.Errorf("checkpoint %s: %w", entry.CheckpointPath, statErr))
	}
	if err := r.Predictor.Load(ctx, slotID, entry.CheckpointPath); err != nil {
		return "", r.fail(ctx, sid, model, "missing_model", err)
	}
	defer r.Predictor.Unload(ctx, slotID)

	// 2. model_load_complete
	r.transition(ctx, sid, model, "model_load_complete", 10, "running")

	// 3. preprocess_start
	r.transition(ctx, sid, model, "preprocess_start", 15, "running")
	vol, err := r.Volumes.Load(ctx, inputPath)
	if err != nil {
		return "", r.fail(ctx, sid, model, "", err)
	}
	originalShape := vol.Shape
	originalAffine := vol.Affine
	originalHeader := vol.Header

	vol = r.normalize(vol, entry)

	vol, err = r.Volumes.Resample(ctx, vol, entry.InterpMode)
	if err != nil {
		return "", r.fail(ctx, sid, model, "", err)
	}
	vol, err = r.Volumes.ReorientRAS(ctx, vol)
	if err != nil {
		return "", r.fail(ctx, sid, model, "", err)
	}
	if entry.Kind == "domino" {
		vol, err = r.Volumes.CropForeground(ctx, vol)
		if err != nil {
			return "", r.fail(ctx, sid, model, "", err)
		}
	}
	if entry.ResizeTarget != nil {
		vol, err = r.Volumes.ResizeWithPadOrCrop(ctx, vol, *entry.ResizeTarget)
		if err != nil {
			return "", r.fail(ctx, sid, model, "", err)
		}
	}

	// 4. preprocess_complete
	r.transition(ctx, sid, model, "preprocess_complete", 25, "running")

	// 5. inference_start: sliding-window tiling with OOM-driven batch
	// reduction.
	r.transition(ctx, sid, model, "inference_start", 30, "running")
	labelVol, err := r.infer(ctx, slotID, vol, entry)
	if err != nil {
		return "", r.failOOMAware(ctx, sid, model, err)
	}

	// 6. inference_mid
	r.transition(ctx, sid, model, "inference_mid", 65, "running")

	// 7. save_start: argmax already folded into the per-voxel label
	// convention Predictor.Predict returns (see infer), so the remaining
	// work is resizing back to the original shape and an atomic write.
	r.transition(ctx, sid, model, "save_start", 70, "running")
	labelVol, err = r.Volumes.ResizeToOriginal(ctx, labelVol, originalShape)
	if err != nil {
		return "", r.fail(ctx, sid, model, "", err)
	}

	saveTarget := outputPath
	if entry.InputSpace == registry.InputConformed {
		saveTarget = conformedOutputPath
	}
	if err := r.Volumes.SaveLabelVolumeAtomic(ctx, saveTarget, labelVol, originalAffine, originalHeader); err != nil {
		return "", r.fail(ctx, sid, model, "", err)
	}

	// 8. Conformed-space models additionally get a native-orientation
	// copy via the external resampler; failure here is non-fatal and the
	// conformed output is kept.
	if entry.InputSpace == registry.InputConformed && r.Resampler != nil {
		if err := r.Resampler.ConvertNearestRegheader(ctx, saveTarget, outputPath); err != nil {
			if r.Logger != nil {
				r.Logger.WithSession(sid).WithField("model", model).WithError(err).Warn("resampler promotion failed, keeping conformed output")
			}
		} else if err := os.Rename(saveTarget, saveTarget+"_fs"); err != nil {
			if r.Logger != nil {
				r.Logger.WithSession(sid).WithField("model", model).WithError(err).Warn("rename conformed output to _fs suffix failed")
			}
		}
	}

	// 9. model_complete
	r.transition(ctx, sid, model, "model_complete", 100, "complete")
	return outputPath, nil
}

// normalize applies the registry-driven normalization branch described in
// the specification: percentile normalization for high dynamic range
// volumes, a skip for low-range GRACE-family inputs, and fixed-range
// normalization otherwise.
func (r *Runner) normalize(vol Volume, entry registry.Entry) Volume {
	m := vol.MaxIntensity()
	switch {
	case m > 10000:
		return vol.ClipPercentile(entry.PercentileRange[0], entry.PercentileRange[1])
	case m <= 255 && entry.Kind == "grace":
		return vol
	default:
		return vol.ClipFixed(entry.FixedRange[0], entry.FixedRange[1])
	}
}

func (r *Runner) transition(ctx context.Context, sid, model, kind string, progress int, tag string) {
	r.setProgress(ctx, sid, model, progress, tag)
	r.emit(ctx, sid, model, kind, progress, "")
}

func (r *Runner) fail(ctx context.Context, sid, model, kind string, err error) error {
	r.setProgress(ctx, sid, model, -1, "error")
	r.emit(ctx, sid, model, "model_error", -1, err.Error())
	if r.Logger != nil {
		r.Logger.WithSession(sid).WithField("model", model).WithError(err).Error("model step failed")
	}
	return &StepError{Kind: kind, Err: err}
}

func (r *Runner) failOOMAware(ctx context.Context, sid, model string, err error) error {
	kind := ""
	if err == ErrOOM {
		kind = "oom"
	}
	return r.fail(ctx, sid, model, kind, err)
}

const initialTileBatch = 2
const overlapRatio = 0.8

// infer performs sliding-window inference over vol using entry's ROI
// (spatial_size), starting at a tile batch of initialTileBatch. On an
// out-of-memory failure from the predictor, it halves the tile batch
// (minimum 1) and retries the same window once more; a second OOM is
// fatal. The returned Volume carries one label id per voxel: overlapping
// windows are resolved last-write-wins, a documented simplification of the
// original's softmax-averaging blend since the predictor contract here
// already reduces each window to labels (see Predictor.Predict).
func (r *Runner) infer(ctx context.Context, slotID int, vol Volume, entry registry.Entry) (Volume, error) {
	roi := entry.SpatialSize
	origins := computeWindowOrigins(vol.Shape, roi, overlapRatio)

	out := Volume{Data: make([]float32, len(vol.Data)), Shape: vol.Shape, Affine: vol.Affine, Header: vol.Header}

	for _, origin := range origins {
		window := extractWindow(vol, origin, roi)

		tileBatch := initialTileBatch
		predicted, err := r.Predictor.Predict(ctx, slotID, window, tileBatch)
		if err == ErrOOM {
			tileBatch = maxInt(tileBatch/2, 1)
			predicted, err = r.Predictor.Predict(ctx, slotID, window, tileBatch)
		}
		if err != nil {
			return Volume{}, err
		}

		writeWindow(out, predicted, origin, roi)
	}

	return out, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// computeWindowOrigins returns the sliding-window start coordinates
// covering shape with the given roi and fractional overlap, always
// including a final window flush against the upper bound on each axis so
// the whole volume is covered.
func computeWindowOrigins(shape, roi [3]int, overlap float64) [][3]int {
	var axisStarts [3][]int
	for axis := 0; axis < 3; axis++ {
		size := shape[axis]
		window := roi[axis]
		if window > size {
			window = size
		}
		stride := int(float64(window) * (1 - overlap))
		if stride < 1 {
			stride = 1
		}

		var starts []int
		for s := 0; s+window <= size || s == 0; s += stride {
			start := s
			if start+window > size {
				start = size - window
			}
			starts = append(starts, start)
			if start+window >= size {
				break
			}
		}
		axisStarts[axis] = starts
	}

	var origins [][3]int
	for _, x := range axisStarts[0] {
		for _, y := range axisStarts[1] {
			for _, z := range axisStarts[2] {
				origins = append(origins, [3]int{x, y, z})
			}
		}
	}
	return origins
}

func flatIndex(shape [3]int, x, y, z int) int {
	return x*shape[1]*shape[2] + y*shape[2] + z
}

func extractWindow(vol Volume, origin, roi [3]int) Volume {
	w := Volume{Data: make([]float32, roi[0]*roi[1]*roi[2]), Shape: roi}
	for x := 0; x < roi[0]; x++ {
		for y := 0; y < roi[1]; y++ {
			for z := 0; z < roi[2]; z++ {
				src := flatIndex(vol.Shape, origin[0]+x, origin[1]+y, origin[2]+z)
				if src < 0 || src >= len(vol.Data) {
					continue
				}
				w.Data[flatIndex(roi, x, y, z)] = vol.Data[src]
			}
		}
	}
	return w
}

func writeWindow(dst Volume, window Volume, origin, roi [3]int) {
	for x := 0; x < roi[0]; x++ {
		for y := 0; y < roi[1]; y++ {
			for z := 0; z < roi[2]; z++ {
				dstIdx := flatIndex(dst.Shape, origin[0]+x, origin[1]+y, origin[2]+z)
				if dstIdx < 0 || dstIdx >= len(dst.Data) {
					continue
				}
				dst.Data[dstIdx] = window.Data[flatIndex(roi, x, y, z)]
			}
		}
	}
}

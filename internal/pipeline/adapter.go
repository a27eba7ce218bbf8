package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/neuroinfer/segserve/internal/procjob"
)

// ExternalResampler is the production ResamplerClient: it shells out to the
// configured resampler binary (RESAMPLER_PATH, typically a FreeSurfer-style
// mri_convert build) via procjob.Runner, the same external-process wrapper
// the Simulation Schedulers use for ROAST/SimNIBS.
type ExternalResampler struct {
	BinaryPath string
	runner     procjob.Runner
}

// NewExternalResampler constructs a resampler client invoking binaryPath.
func NewExternalResampler(binaryPath string) *ExternalResampler {
	return &ExternalResampler{BinaryPath: binaryPath}
}

// ConvertNearestRegheader resamples srcPath onto dstPath's header grid using
// nearest-neighbor interpolation, per spec §4.6 step 8.
func (r *ExternalResampler) ConvertNearestRegheader(ctx context.Context, srcPath, dstPath string) error {
	spec := procjob.Spec{
		Command:         r.BinaryPath,
		Args:            []string{"--regheader", "--interp", "nearest", srcPath, dstPath},
		WorkDir:         filepath.Dir(dstPath),
		ExpectedOutputs: []string{dstPath},
	}
	if err := r.runner.Run(ctx, spec, nil); err != nil {
		return fmt.Errorf("pipeline: resample %s -> %s: %w", srcPath, dstPath, err)
	}
	return nil
}

// helperScratchDir holds a VolumeStore/Predictor subprocess call's
// request/response scratch files; each call gets its own and cleans up on
// return.
func helperScratchDir(prefix string) (string, error) {
	return os.MkdirTemp("", "segserve-"+prefix+"-")
}

// callHelper invokes binaryPath with op and extraArgs, writing req as JSON
// to a scratch request file and reading resp back as JSON from a scratch
// response file. This is this repo's own IPC framing for talking to the
// imaging/model runtime subprocess; the runtime's actual numerics are never
// modeled here, matching VolumeStore/Predictor's documented opaqueness.
func callHelper(ctx context.Context, binaryPath, op string, req, resp interface{}) error {
	dir, err := helperScratchDir(op)
	if err != nil {
		return fmt.Errorf("pipeline: scratch dir for %s: %w", op, err)
	}
	defer os.RemoveAll(dir)

	reqPath := filepath.Join(dir, "request.json")
	respPath := filepath.Join(dir, "response.json")

	reqBytes, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("pipeline: marshal %s request: %w", op, err)
	}
	if err := os.WriteFile(reqPath, reqBytes, 0o644); err != nil {
		return fmt.Errorf("pipeline: write %s request: %w", op, err)
	}

	var runner procjob.Runner
	spec := procjob.Spec{
		Command:         binaryPath,
		Args:            []string{op, reqPath, respPath},
		WorkDir:         dir,
		ExpectedOutputs: []string{respPath},
	}
	if err := runner.Run(ctx, spec, nil); err != nil {
		return fmt.Errorf("pipeline: helper %s: %w", op, err)
	}

	respBytes, err := os.ReadFile(respPath)
	if err != nil {
		return fmt.Errorf("pipeline: read %s response: %w", op, err)
	}
	if err := json.Unmarshal(respBytes, resp); err != nil {
		return fmt.Errorf("pipeline: unmarshal %s response: %w", op, err)
	}
	return nil
}

// ExternalVolumeStore is the production VolumeStore: every operation is one
// call to ImagingHelperPath, a subprocess owning the real NIfTI codec and
// imaging numerics this package deliberately never reimplements.
type ExternalVolumeStore struct {
	BinaryPath string
}

// NewExternalVolumeStore constructs a VolumeStore invoking binaryPath.
func NewExternalVolumeStore(binaryPath string) *ExternalVolumeStore {
	return &ExternalVolumeStore{BinaryPath: binaryPath}
}

func (s *ExternalVolumeStore) Load(ctx context.Context, path string) (Volume, error) {
	var v Volume
	err := callHelper(ctx, s.BinaryPath, "load", struct {
		Path string `json:"path"`
	}{Path: path}, &v)
	return v, err
}

func (s *ExternalVolumeStore) Resample(ctx context.Context, v Volume, interpMode string) (Volume, error) {
	var out Volume
	err := callHelper(ctx, s.BinaryPath, "resample", struct {
		Volume     Volume `json:"volume"`
		InterpMode string `json:"interp_mode"`
	}{Volume: v, InterpMode: interpMode}, &out)
	return out, err
}

func (s *ExternalVolumeStore) ReorientRAS(ctx context.Context, v Volume) (Volume, error) {
	var out Volume
	err := callHelper(ctx, s.BinaryPath, "reorient_ras", struct {
		Volume Volume `json:"volume"`
	}{Volume: v}, &out)
	return out, err
}

func (s *ExternalVolumeStore) CropForeground(ctx context.Context, v Volume) (Volume, error) {
	var out Volume
	err := callHelper(ctx, s.BinaryPath, "crop_foreground", struct {
		Volume Volume `json:"volume"`
	}{Volume: v}, &out)
	return out, err
}

func (s *ExternalVolumeStore) ResizeWithPadOrCrop(ctx context.Context, v Volume, target [3]int) (Volume, error) {
	var out Volume
	err := callHelper(ctx, s.BinaryPath, "resize_pad_or_crop", struct {
		Volume Volume `json:"volume"`
		Target [3]int `json:"target"`
	}{Volume: v, Target: target}, &out)
	return out, err
}

func (s *ExternalVolumeStore) ResizeToOriginal(ctx context.Context, v Volume, originalShape [3]int) (Volume, error) {
	var out Volume
	err := callHelper(ctx, s.BinaryPath, "resize_to_original", struct {
		Volume        Volume `json:"volume"`
		OriginalShape [3]int `json:"original_shape"`
	}{Volume: v, OriginalShape: originalShape}, &out)
	return out, err
}

func (s *ExternalVolumeStore) SaveLabelVolumeAtomic(ctx context.Context, path string, v Volume, affine [4][4]float64, header map[string]interface{}) error {
	var ack struct {
		OK bool `json:"ok"`
	}
	err := callHelper(ctx, s.BinaryPath, "save_label_volume", struct {
		Path   string                 `json:"path"`
		Volume Volume                 `json:"volume"`
		Affine [4][4]float64          `json:"affine"`
		Header map[string]interface{} `json:"header"`
	}{Path: path, Volume: v, Affine: affine, Header: header}, &ack)
	return err
}

// ExternalPredictor is the production Predictor: Load/Predict/Unload each
// call CheckpointHelperPath, a subprocess owning the actual model runtime
// (the tensor/inference stack this package never guesses at).
type ExternalPredictor struct {
	BinaryPath string
}

// NewExternalPredictor constructs a Predictor invoking binaryPath.
func NewExternalPredictor(binaryPath string) *ExternalPredictor {
	return &ExternalPredictor{BinaryPath: binaryPath}
}

func (p *ExternalPredictor) Load(ctx context.Context, slotID int, checkpointPath string) error {
	var ack struct {
		OK bool `json:"ok"`
	}
	return callHelper(ctx, p.BinaryPath, "load", struct {
		SlotID         int    `json:"slot_id"`
		CheckpointPath string `json:"checkpoint_path"`
	}{SlotID: slotID, CheckpointPath: checkpointPath}, &ack)
}

// predictResponse lets the helper subprocess signal an out-of-memory
// condition explicitly (resp.OOM) rather than the adapter having to guess
// at one from a generic process failure.
type predictResponse struct {
	Volume Volume `json:"volume"`
	OOM    bool   `json:"oom"`
	Error  string `json:"error"`
}

func (p *ExternalPredictor) Predict(ctx context.Context, slotID int, window Volume, tileBatch int) (Volume, error) {
	var resp predictResponse
	if err := callHelper(ctx, p.BinaryPath, "predict", struct {
		SlotID    int    `json:"slot_id"`
		Window    Volume `json:"window"`
		TileBatch int    `json:"tile_batch"`
	}{SlotID: slotID, Window: window, TileBatch: tileBatch}, &resp); err != nil {
		return Volume{}, fmt.Errorf("pipeline: predict: %w", err)
	}
	if resp.OOM {
		return Volume{}, ErrOOM
	}
	if resp.Error != "" {
		return Volume{}, fmt.Errorf("pipeline: predict: %s", resp.Error)
	}
	return resp.Volume, nil
}

func (p *ExternalPredictor) Unload(ctx context.Context, slotID int) error {
	var ack struct {
		OK bool `json:"ok"`
	}
	return callHelper(ctx, p.BinaryPath, "unload", struct {
		SlotID int `json:"slot_id"`
	}{SlotID: slotID}, &ack)
}

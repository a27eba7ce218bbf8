package simscheduler

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/neuroinfer/segserve/internal/domain/simjob"
	"github.com/neuroinfer/segserve/internal/procjob"
)

// ExternalWorkdir is the production WorkdirIO: decompression and plain file
// copies are handled directly (generic I/O, not imaging-specific), while
// label-volume load/save delegate to the same imaging helper subprocess
// internal/pipeline.ExternalVolumeStore uses, since both own the real
// NIfTI codec this package never reimplements.
type ExternalWorkdir struct {
	ImagingHelperPath string
}

// NewExternalWorkdir constructs a WorkdirIO invoking imagingHelperPath for
// label-volume I/O.
func NewExternalWorkdir(imagingHelperPath string) *ExternalWorkdir {
	return &ExternalWorkdir{ImagingHelperPath: imagingHelperPath}
}

func (w *ExternalWorkdir) DecompressToFile(ctx context.Context, srcGz, dstPath string) error {
	src, err := os.Open(srcGz)
	if err != nil {
		return fmt.Errorf("simscheduler: open %s: %w", srcGz, err)
	}
	defer src.Close()

	gz, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("simscheduler: gunzip %s: %w", srcGz, err)
	}
	defer gz.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("simscheduler: create %s: %w", dstPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, gz); err != nil {
		return fmt.Errorf("simscheduler: write %s: %w", dstPath, err)
	}
	return nil
}

func (w *ExternalWorkdir) CopyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("simscheduler: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("simscheduler: create %s: %w", dst, err)
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

type labelVolumeResponse struct {
	Data   []byte        `json:"data"`
	Affine [4][4]float64 `json:"affine"`
	Shape  [3]int        `json:"shape"`
}

func (w *ExternalWorkdir) LoadLabelBytes(ctx context.Context, path string) ([]byte, [4][4]float64, [3]int, error) {
	var resp labelVolumeResponse
	if err := w.callHelper(ctx, "load_label_bytes", struct {
		Path string `json:"path"`
	}{Path: path}, &resp); err != nil {
		return nil, [4][4]float64{}, [3]int{}, err
	}
	return resp.Data, resp.Affine, resp.Shape, nil
}

func (w *ExternalWorkdir) SaveLabelBytes(ctx context.Context, path string, data []byte, shape [3]int, affine [4][4]float64) error {
	var ack struct {
		OK bool `json:"ok"`
	}
	return w.callHelper(ctx, "save_label_bytes", struct {
		Path   string        `json:"path"`
		Data   []byte        `json:"data"`
		Shape  [3]int        `json:"shape"`
		Affine [4][4]float64 `json:"affine"`
	}{Path: path, Data: data, Shape: shape, Affine: affine}, &ack)
}

// callHelper mirrors internal/pipeline's request/response scratch-file
// protocol against the same imaging helper binary.
func (w *ExternalWorkdir) callHelper(ctx context.Context, op string, req, resp interface{}) error {
	dir, err := os.MkdirTemp("", "segserve-"+op+"-")
	if err != nil {
		return fmt.Errorf("simscheduler: scratch dir for %s: %w", op, err)
	}
	defer os.RemoveAll(dir)

	reqPath := filepath.Join(dir, "request.json")
	respPath := filepath.Join(dir, "response.json")

	reqBytes, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("simscheduler: marshal %s request: %w", op, err)
	}
	if err := os.WriteFile(reqPath, reqBytes, 0o644); err != nil {
		return fmt.Errorf("simscheduler: write %s request: %w", op, err)
	}

	var runner procjob.Runner
	spec := procjob.Spec{
		Command:         w.ImagingHelperPath,
		Args:            []string{op, reqPath, respPath},
		WorkDir:         dir,
		ExpectedOutputs: []string{respPath},
	}
	if err := runner.Run(ctx, spec, nil); err != nil {
		return fmt.Errorf("simscheduler: helper %s: %w", op, err)
	}

	respBytes, err := os.ReadFile(respPath)
	if err != nil {
		return fmt.Errorf("simscheduler: read %s response: %w", op, err)
	}
	return json.Unmarshal(respBytes, resp)
}

// ExternalFEMSolver is the production FEMSolver: one procjob.Runner
// invocation of the configured FEM solver binary, given the mesh, a
// recipe/electrode-spec scratch file, and the working directory to solve
// into.
type ExternalFEMSolver struct {
	BinaryPath string
}

// NewExternalFEMSolver constructs a FEMSolver invoking binaryPath.
func NewExternalFEMSolver(binaryPath string) *ExternalFEMSolver {
	return &ExternalFEMSolver{BinaryPath: binaryPath}
}

func (s *ExternalFEMSolver) Solve(ctx context.Context, meshPath, femDir string, recipe []simjob.RecipeEntry, electrodeSpec []byte) error {
	recipePath := filepath.Join(femDir, "recipe.json")
	payload := struct {
		Recipe        []simjob.RecipeEntry `json:"recipe"`
		ElectrodeSpec json.RawMessage      `json:"electrode_spec,omitempty"`
	}{Recipe: recipe, ElectrodeSpec: electrodeSpec}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("simscheduler: marshal FEM recipe: %w", err)
	}
	if err := os.WriteFile(recipePath, raw, 0o644); err != nil {
		return fmt.Errorf("simscheduler: write FEM recipe: %w", err)
	}

	var runner procjob.Runner
	spec := procjob.Spec{
		Command: s.BinaryPath,
		Args:    []string{meshPath, recipePath, femDir},
		WorkDir: femDir,
		ExpectedOutputs: []string{
			filepath.Join(femDir, "voltage.nii.gz"),
		},
	}
	return runner.Run(ctx, spec, nil)
}

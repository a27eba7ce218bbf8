package simscheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/neuroinfer/segserve/internal/domain/simjob"
	"github.com/neuroinfer/segserve/internal/eventbus"
	"github.com/neuroinfer/segserve/internal/obslog"
	"github.com/neuroinfer/segserve/internal/procjob"
	"github.com/neuroinfer/segserve/internal/session"
	"github.com/neuroinfer/segserve/internal/sharedstate"
	"github.com/neuroinfer/segserve/internal/svclife"
	"golang.org/x/time/rate"
)

const roastQueueKey = "roast_queue"

// roastStepMap mirrors the compiled ROAST binary's stdout phase banners:
// each "STEP N" line marks a finished phase of the MATLAB Runtime
// pipeline, which drives the scheduler's progress reporting.
var roastStepMap = []procjob.ProgressMatcher{
	{Substr: "STEP 2.5", Progress: 10, Kind: "roast_step_csf_fix"},
	{Substr: "STEP 3", Progress: 20, Kind: "roast_step_electrode"},
	{Substr: "STEP 4", Progress: 35, Kind: "roast_step_mesh"},
	{Substr: "STEP 5", Progress: 60, Kind: "roast_step_solve"},
	{Substr: "STEP 6", Progress: 85, Kind: "roast_step_postprocess"},
	{Substr: "ROAST_RUN: COMPLETE", Progress: 100, Kind: "roast_complete"},
}

var roastOutputKinds = []string{"voltage", "efield", "emag"}

// roastConfig is ROAST's config.json payload: the recipe plus electrode
// and mesh options the compiled binary reads at startup.
type roastConfig struct {
	T1Path        string          `json:"t1_path"`
	Recipe        []string        `json:"recipe"`
	ElectrodeSpec json.RawMessage `json:"electrode_spec,omitempty"`
	MeshOptions   json.RawMessage `json:"mesh_options,omitempty"`
	SimulationTag string          `json:"simulation_tag,omitempty"`
}

// ROAST runs the first Simulation Scheduler: CPU-bound, no accelerator
// lock, a fixed worker pool. Grounded on original_source's
// runtime/roast_runner.py and runtime/roast_scheduler.py.
type ROAST struct {
	svclife.Base
	simCommon

	Sessions *session.Store
	Workdir  WorkdirIO
	Proc     procjob.Runner
	Limiter  *rate.Limiter

	BinaryPath  string // run_roast_run.sh launcher
	RuntimePath string // MATLAB Compiler Runtime root, the launcher's first arg
	Timeout     time.Duration
	Workers     int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewROAST constructs a ROAST scheduler. workers<=0 defaults to 2.
func NewROAST(store sharedstate.Store, sessions *session.Store, workdir WorkdirIO, bus *eventbus.Bus, logger *obslog.Logger, audit *obslog.AuditWriter, limiter *rate.Limiter, binaryPath, runtimePath string, timeout time.Duration, workers int) *ROAST {
	if workers <= 0 {
		workers = 2
	}
	return &ROAST{
		Base:        *svclife.NewBase("roast-scheduler"),
		simCommon:   simCommon{kind: "roast", store: store, bus: bus, logger: logger, audit: audit},
		Sessions:    sessions,
		Workdir:     workdir,
		Limiter:     limiter,
		BinaryPath:  binaryPath,
		RuntimePath: runtimePath,
		Timeout:     timeout,
		Workers:     workers,
	}
}

// Start begins the polling loop in the background.
func (r *ROAST) Start(ctx context.Context) error {
	if !r.Base.CompareAndSwapState(svclife.StateUninitialized, svclife.StateReady) &&
		!r.Base.CompareAndSwapState(svclife.StateStopped, svclife.StateReady) &&
		!r.Base.CompareAndSwapState(svclife.StateNotReady, svclife.StateReady) {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		runLoop(runCtx, r.store, roastQueueKey, r.Workers, r.Limiter, r.processJob)
	}()
	if r.logger != nil {
		r.logger.WithFields(nil).Info("roast scheduler started")
	}
	return nil
}

// Stop signals the polling loop to exit and waits for in-flight jobs.
func (r *ROAST) Stop(ctx context.Context) error {
	if !r.Base.CompareAndSwapState(svclife.StateReady, svclife.StateStopping) {
		return nil
	}
	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.Base.SetState(svclife.StateStopped)
	return nil
}

func (r *ROAST) processJob(ctx context.Context, raw string) {
	job, err := simjob.Unmarshal(raw)
	if err != nil {
		if r.logger != nil {
			r.logger.WithFields(nil).WithError(err).Error("malformed job on roast_queue")
		}
		return
	}
	sid := job.SessionID

	r.setStatus(ctx, sid, "running")
	r.emit(ctx, sid, "roast_start", 2, "")

	workDir := r.Sessions.SimulationWorkdir(sid, "roast", job.ModelName)
	t1Path := filepath.Join(workDir, "T1.nii")
	maskPath := filepath.Join(workDir, "T1_T1orT2_masks.nii")
	dummyC1 := filepath.Join(workDir, "c1T1_T1orT2.nii")

	if err := r.Workdir.DecompressToFile(ctx, r.Sessions.NativeInput(sid), t1Path); err != nil {
		r.fail(ctx, sid, fmt.Errorf("gunzip T1: %w", err))
		return
	}

	data, affine, shape, err := r.Workdir.LoadLabelBytes(ctx, r.Sessions.ModelOutput(sid, job.ModelName))
	if err != nil {
		r.fail(ctx, sid, fmt.Errorf("load segmentation: %w", err))
		return
	}
	if err := r.Workdir.SaveLabelBytes(ctx, maskPath, data, shape, affine); err != nil {
		r.fail(ctx, sid, fmt.Errorf("save uint8 mask: %w", err))
		return
	}

	// A dummy c1T1_T1orT2.nii bypasses ROAST's own SPM segmentation phase
	// (step 1): ROAST checks for this file's existence before deciding
	// whether to run SPM, and the scheduler already supplies the final
	// mask in its place.
	if err := r.Workdir.CopyFile(ctx, t1Path, dummyC1); err != nil {
		r.fail(ctx, sid, fmt.Errorf("write SPM-bypass file: %w", err))
		return
	}
	r.emit(ctx, sid, "roast_prepare", 5, "")

	recipe := make([]string, 0, len(job.Recipe)*2)
	for _, entry := range job.Recipe {
		recipe = append(recipe, entry.Label, fmt.Sprintf("%g", entry.CurrentMA))
	}
	cfg := roastConfig{
		T1Path:        t1Path,
		Recipe:        recipe,
		ElectrodeSpec: job.ElectrodeSpec,
		MeshOptions:   job.MeshOptions,
		SimulationTag: job.Tag,
	}
	cfgData, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		r.fail(ctx, sid, fmt.Errorf("marshal config: %w", err))
		return
	}
	configPath := filepath.Join(workDir, "config.json")
	if err := os.WriteFile(configPath, cfgData, 0o644); err != nil {
		r.fail(ctx, sid, fmt.Errorf("write config: %w", err))
		return
	}

	outputs := make([]string, 0, len(roastOutputKinds))
	for _, kind := range roastOutputKinds {
		outputs = append(outputs, r.Sessions.SimulationOutput(sid, "roast", job.ModelName, kind))
	}

	spec := procjob.Spec{
		Command:         r.BinaryPath,
		Args:            []string{r.RuntimePath, configPath},
		WorkDir:         workDir,
		Timeout:         r.Timeout,
		Matchers:        roastStepMap,
		ExpectedOutputs: outputs,
	}

	if err := r.Proc.Run(ctx, spec, func(progress int, kind string) {
		r.emit(ctx, sid, kind, progress, "")
	}); err != nil {
		r.fail(ctx, sid, err)
		return
	}

	r.setStatus(ctx, sid, "complete")
	r.emit(ctx, sid, "roast_complete", 100, "")
}

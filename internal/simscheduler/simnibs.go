package simscheduler

import (
	"context"
	"fmt"
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

const simnibsQueueKey = "simnibs_queue"

// simnibsSubject is the fixed subject name used for the charm head-meshing
// invocation and the resulting SimNIBS session, since every session has
// exactly one subject.
const simnibsSubject = "subject"

// charmStepMap mirrors charm's free-text progress lines (its wording
// varies across SimNIBS releases, so matches are substrings of the
// lower-cased line rather than exact phase names).
var charmStepMap = []procjob.ProgressMatcher{
	{Substr: "registering", Progress: 10, Kind: "simnibs_charm_register"},
	{Substr: "segmenting", Progress: 20, Kind: "simnibs_charm_segment"},
	{Substr: "classif", Progress: 30, Kind: "simnibs_charm_tissue"},
	{Substr: "surface", Progress: 40, Kind: "simnibs_charm_surface"},
	{Substr: "meshing", Progress: 50, Kind: "simnibs_charm_mesh"},
	{Substr: "finaliz", Progress: 57, Kind: "simnibs_charm_finalize"},
	{Substr: "saving", Progress: 59, Kind: "simnibs_charm_saving"},
}

const (
	femHeartbeatStart    = 68
	femHeartbeatCeiling  = 88
	femHeartbeatStep     = 2
	femHeartbeatInterval = 10 * time.Second
)

// FEMSolver runs the tDCS FEM solve over a charm-built head mesh. Its
// internals (the SimNIBS Python runtime) are an opaque child process this
// package never reimplements, per the specification's explicit treatment
// of "the simulation engines themselves" as opaque collaborators.
type FEMSolver interface {
	Solve(ctx context.Context, meshPath, femDir string, recipe []simjob.RecipeEntry, electrodeSpec []byte) error
}

// SimNIBS runs the second Simulation Scheduler: a charm head-meshing
// subprocess followed by a blocking FEM solve, heartbeat-reported while it
// runs. Grounded on original_source's runtime/simnibs_runner.py and
// runtime/simnibs_scheduler.py.
type SimNIBS struct {
	svclife.Base
	simCommon

	Sessions *session.Store
	Workdir  WorkdirIO
	Proc     procjob.Runner
	Solver   FEMSolver
	Limiter  *rate.Limiter

	CharmPath string // charm binary, typically on PATH once SimNIBS is installed
	Timeout   time.Duration
	Workers   int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSimNIBS constructs a SimNIBS scheduler. workers<=0 defaults to 2.
func NewSimNIBS(store sharedstate.Store, sessions *session.Store, workdir WorkdirIO, solver FEMSolver, bus *eventbus.Bus, logger *obslog.Logger, audit *obslog.AuditWriter, limiter *rate.Limiter, charmPath string, timeout time.Duration, workers int) *SimNIBS {
	if workers <= 0 {
		workers = 2
	}
	return &SimNIBS{
		Base:      *svclife.NewBase("simnibs-scheduler"),
		simCommon: simCommon{kind: "simnibs", store: store, bus: bus, logger: logger, audit: audit},
		Sessions:  sessions,
		Workdir:   workdir,
		Solver:    solver,
		Limiter:   limiter,
		CharmPath: charmPath,
		Timeout:   timeout,
		Workers:   workers,
	}
}

// Start begins the polling loop in the background.
func (s *SimNIBS) Start(ctx context.Context) error {
	if !s.Base.CompareAndSwapState(svclife.StateUninitialized, svclife.StateReady) &&
		!s.Base.CompareAndSwapState(svclife.StateStopped, svclife.StateReady) &&
		!s.Base.CompareAndSwapState(svclife.StateNotReady, svclife.StateReady) {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runLoop(runCtx, s.store, simnibsQueueKey, s.Workers, s.Limiter, s.processJob)
	}()
	if s.logger != nil {
		s.logger.WithFields(nil).Info("simnibs scheduler started")
	}
	return nil
}

// Stop signals the polling loop to exit and waits for in-flight jobs.
func (s *SimNIBS) Stop(ctx context.Context) error {
	if !s.Base.CompareAndSwapState(svclife.StateReady, svclife.StateStopping) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.Base.SetState(svclife.StateStopped)
	return nil
}

func (s *SimNIBS) processJob(ctx context.Context, raw string) {
	job, err := simjob.Unmarshal(raw)
	if err != nil {
		if s.logger != nil {
			s.logger.WithFields(nil).WithError(err).Error("malformed job on simnibs_queue")
		}
		return
	}
	sid := job.SessionID

	s.setStatus(ctx, sid, "running")
	s.emit(ctx, sid, "simnibs_start", 2, "")

	workDir := s.Sessions.SimulationWorkdir(sid, "simnibs", job.ModelName)
	t1Path := filepath.Join(workDir, "T1.nii")

	if err := s.Workdir.DecompressToFile(ctx, s.Sessions.NativeInput(sid), t1Path); err != nil {
		s.fail(ctx, sid, fmt.Errorf("gunzip T1: %w", err))
		return
	}
	s.emit(ctx, sid, "simnibs_prepare", 4, "")

	meshPath, err := s.runCharm(ctx, sid, workDir, t1Path)
	if err != nil {
		s.fail(ctx, sid, err)
		return
	}

	if err := s.runFEM(ctx, sid, job, meshPath, workDir); err != nil {
		s.fail(ctx, sid, err)
		return
	}

	s.setStatus(ctx, sid, "complete")
	s.emit(ctx, sid, "simnibs_complete", 100, "")
}

func (s *SimNIBS) runCharm(ctx context.Context, sid, workDir, t1Path string) (string, error) {
	s.emit(ctx, sid, "simnibs_charm", 5, "")

	meshPath := filepath.Join(workDir, "m2m_"+simnibsSubject, simnibsSubject+".msh")
	spec := procjob.Spec{
		Command:         s.CharmPath,
		Args:            []string{simnibsSubject, t1Path},
		WorkDir:         workDir,
		Timeout:         s.Timeout,
		Matchers:        charmStepMap,
		ExpectedOutputs: []string{meshPath},
		FoldCase:        true,
	}

	if err := s.Proc.Run(ctx, spec, func(progress int, kind string) {
		s.emit(ctx, sid, kind, progress, "")
	}); err != nil {
		return "", fmt.Errorf("charm head meshing: %w", err)
	}

	s.emit(ctx, sid, "simnibs_charm_done", 60, "")
	return meshPath, nil
}

// runFEM configures and runs the tDCS FEM solve via Solver, which this
// scheduler treats as an opaque blocking call. It mirrors the original's
// background-thread-plus-heartbeat pattern with a goroutine plus a ticker:
// progress climbs from 68 toward a ceiling of 88 every 10 seconds until
// the solve finishes or the deadline expires.
func (s *SimNIBS) runFEM(ctx context.Context, sid string, job simjob.Job, meshPath, workDir string) error {
	s.emit(ctx, sid, "simnibs_fem_setup", 62, "")

	femDir := filepath.Join(workDir, "fem")
	s.emit(ctx, sid, "simnibs_fem_solve", femHeartbeatStart, "")

	solveCtx := ctx
	var cancel context.CancelFunc
	if s.Timeout > 0 {
		solveCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- s.Solver.Solve(solveCtx, meshPath, femDir, job.Recipe, job.ElectrodeSpec)
	}()

	progress := femHeartbeatStart
	ticker := time.NewTicker(femHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("FEM solve: %w", err)
			}
			s.emit(ctx, sid, "simnibs_post", 90, "")
			return nil
		case <-ticker.C:
			if progress < femHeartbeatCeiling {
				progress += femHeartbeatStep
				if progress > femHeartbeatCeiling {
					progress = femHeartbeatCeiling
				}
				s.emit(ctx, sid, "simnibs_fem_solve", progress, "")
			}
		case <-solveCtx.Done():
			return &procjob.ProcError{Kind: "timeout", Err: solveCtx.Err()}
		}
	}
}

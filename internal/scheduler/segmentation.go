// Package scheduler implements the Segmentation Scheduler: the long-running
// loop that dequeues segmentation Jobs, fans each Job's Steps out over a
// bounded worker pool, and reports the settled outcome.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/neuroinfer/segserve/internal/arbiter"
	"github.com/neuroinfer/segserve/internal/domain/segjob"
	"github.com/neuroinfer/segserve/internal/eventbus"
	"github.com/neuroinfer/segserve/internal/obslog"
	"github.com/neuroinfer/segserve/internal/pipeline"
	"github.com/neuroinfer/segserve/internal/resilience"
	"github.com/neuroinfer/segserve/internal/session"
	"github.com/neuroinfer/segserve/internal/sharedstate"
	"github.com/neuroinfer/segserve/internal/svclife"
)

const jobQueueKey = "job_queue"

// pollTimeout bounds each BLPop call so Stop can observe context
// cancellation promptly instead of blocking indefinitely on an empty queue.
const pollTimeout = 2 * time.Second

// Segmentation polls job_queue and runs each dequeued Job's Steps through
// the Pipeline Runner, fanning out across a bounded worker pool sized to
// the Job's own plan length.
type Segmentation struct {
	svclife.Base

	Store        sharedstate.Store
	Sessions     *session.Store
	Runner       *pipeline.Runner
	Arbiter      *arbiter.Arbiter
	Bus          *eventbus.Bus
	Logger       *obslog.Logger
	Audit        *obslog.AuditWriter
	MaxFanout    int // upper bound on concurrent steps per job
	MinFreeMiB   int // accelerator memory floor passed to Arbiter.Acquire

	breaker *resilience.CircuitBreaker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Segmentation scheduler. maxFanout<=0 defaults to 4.
func New(store sharedstate.Store, sessions *session.Store, runner *pipeline.Runner, arb *arbiter.Arbiter, bus *eventbus.Bus, logger *obslog.Logger, audit *obslog.AuditWriter, maxFanout int) *Segmentation {
	if maxFanout <= 0 {
		maxFanout = 4
	}
	s := &Segmentation{
		Base:      *svclife.NewBase("segmentation-scheduler"),
		Store:     store,
		Sessions:  sessions,
		Runner:    runner,
		Arbiter:   arb,
		Bus:       bus,
		Logger:    logger,
		Audit:     audit,
		MaxFanout: maxFanout,
		breaker:   resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	}
	return s
}

// Start begins the polling loop in the background.
func (s *Segmentation) Start(ctx context.Context) error {
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
		s.loop(runCtx)
	}()

	if s.Logger != nil {
		s.Logger.WithFields(nil).Info("segmentation scheduler started")
	}
	return nil
}

// Stop signals the polling loop to exit and waits for it to finish.
func (s *Segmentation) Stop(ctx context.Context) error {
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

func (s *Segmentation) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := s.dequeue(ctx)
		if err != nil {
			if err == sharedstate.ErrNoItem || ctx.Err() != nil {
				continue
			}
			if err == resilience.ErrCircuitOpen {
				if s.Logger != nil {
					s.Logger.WithFields(nil).Warn("job_queue circuit open, backing off")
				}
				_ = resilience.JitterSleep(ctx, 500*time.Millisecond, 1500*time.Millisecond)
				continue
			}
			if s.Logger != nil {
				s.Logger.WithFields(nil).WithError(err).Error("job_queue dequeue failed")
			}
			continue
		}

		job, err := segjob.Unmarshal(raw)
		if err != nil {
			if s.Logger != nil {
				s.Logger.WithFields(nil).WithError(err).Error("malformed job on job_queue")
			}
			continue
		}

		// runJob fans out over its own worker pool and can run far longer
		// than one poll interval; it must not block this loop from
		// dequeuing the next job, so it runs detached but s.wg-tracked so
		// Stop still waits for it to settle.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			started := time.Now()
			s.runJob(ctx, job)
			if s.Logger != nil {
				s.Logger.LogSchedulerTick("segmentation", 1, time.Since(started))
			}
		}()
	}
}

// dequeue pops one job off job_queue, retrying transient shared-state
// failures with backoff and tripping a circuit breaker under sustained
// failure so a downed store doesn't get hammered every poll. ErrNoItem
// (an empty queue) is the common case and bypasses both: it is not a
// failure.
func (s *Segmentation) dequeue(ctx context.Context) (string, error) {
	var raw string
	var emptyQueue error

	err := s.breaker.Execute(func() error {
		return resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
			v, err := s.Store.BLPop(ctx, jobQueueKey, pollTimeout)
			if err == sharedstate.ErrNoItem {
				emptyQueue = err
				return nil
			}
			if err != nil {
				return err
			}
			raw = v
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return raw, emptyQueue
}

// runJob fans out job's plan across a worker pool sized to
// min(len(plan), MaxFanout), collects each step's settled outcome, and
// publishes job_complete or job_failed with the aggregated detail.
func (s *Segmentation) runJob(ctx context.Context, job segjob.Job) {
	n := len(job.Plan)
	if n == 0 {
		return
	}

	models := make([]string, n)
	for i, step := range job.Plan {
		models[i] = step.ModelName
	}
	if err := s.Bus.Publish(ctx, job.SessionID, "job_start", map[string]interface{}{
		"models": models,
	}); err != nil && s.Logger != nil {
		s.Logger.WithSession(job.SessionID).WithError(err).Error("publish job_start")
	}

	workers := n
	if workers > s.MaxFanout {
		workers = s.MaxFanout
	}

	steps := make(chan segjob.Step, n)
	for _, step := range job.Plan {
		steps <- step
	}
	close(steps)

	results := make(chan segjob.StepResult, n)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for step := range steps {
				results <- s.runStep(ctx, job.SessionID, step)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	summary := segjob.JobSummary{Total: n}
	for res := range results {
		if res.Err != nil {
			summary.Failed = append(summary.Failed, res)
		} else {
			summary.Succeed = append(summary.Succeed, res.ModelName)
		}
	}

	if summary.HasFailures() {
		if err := s.Bus.Publish(ctx, job.SessionID, "job_failed", map[string]interface{}{
			"detail": summary.Detail(),
		}); err != nil && s.Logger != nil {
			s.Logger.WithSession(job.SessionID).WithError(err).Error("publish job_failed")
		}
		if s.Logger != nil {
			s.Logger.LogJobOutcome(job.SessionID, "failed", summary.Detail())
		}
	} else {
		if err := s.Bus.Publish(ctx, job.SessionID, "job_complete", map[string]interface{}{
			"models": summary.Succeed,
		}); err != nil && s.Logger != nil {
			s.Logger.WithSession(job.SessionID).WithError(err).Error("publish job_complete")
		}
		if s.Logger != nil {
			s.Logger.LogJobOutcome(job.SessionID, "complete", "")
		}
	}
	if s.Audit != nil {
		s.Audit.Append(ctx, job.SessionID, "", "job_settled", summary.Detail())
	}
}

// runStep reserves an accelerator slot, runs the step through the Pipeline
// Runner, and always releases the slot, whether the step succeeded or
// failed.
func (s *Segmentation) runStep(ctx context.Context, sid string, step segjob.Step) segjob.StepResult {
	slot, err := s.Arbiter.AcquireBlocking(ctx, sid, step.ModelName, s.MinFreeMiB)
	if err != nil {
		return segjob.StepResult{ModelName: step.ModelName, Err: err}
	}
	defer s.Arbiter.Release(ctx, slot)

	outputPath := s.Sessions.ModelOutput(sid, step.ModelName)
	conformedPath := s.Sessions.ConformedInput(sid)

	_, err = s.Runner.Run(ctx, sid, step.ModelName, step.InputPath, outputPath, conformedPath, slot)
	if err == nil {
		return segjob.StepResult{ModelName: step.ModelName}
	}

	kind := ""
	var stepErr *pipeline.StepError
	if errors.As(err, &stepErr) {
		kind = stepErr.Kind
	}
	return segjob.StepResult{ModelName: step.ModelName, Err: err, Kind: kind}
}

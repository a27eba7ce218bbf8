package scheduler_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/neuroinfer/segserve/internal/arbiter"
	"github.com/neuroinfer/segserve/internal/domain/registry"
	"github.com/neuroinfer/segserve/internal/domain/segjob"
	"github.com/neuroinfer/segserve/internal/eventbus"
	"github.com/neuroinfer/segserve/internal/pipeline"
	"github.com/neuroinfer/segserve/internal/pipeline/pipelinetest"
	"github.com/neuroinfer/segserve/internal/scheduler"
	"github.com/neuroinfer/segserve/internal/session"
	"github.com/neuroinfer/segserve/internal/sharedstate"
	"github.com/stretchr/testify/require"
)

func buildRegistry(t *testing.T, names ...string) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	entries := make([]registry.Entry, 0, len(names))
	for _, n := range names {
		ckpt := dir + "/" + n + ".ckpt"
		require.NoError(t, os.WriteFile(ckpt, []byte("fake"), 0o644))
		entries = append(entries, registry.Entry{
			Name:           n,
			InputSpace:     registry.InputNative,
			CheckpointPath: ckpt,
			SpatialSize:    [3]int{2, 2, 2},
			FixedRange:     [2]float64{0, 255},
		})
	}
	path := dir + "/registry.json"
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	reg, err := registry.Load(path)
	require.NoError(t, err)
	return reg
}

func TestSegmentationRunsJobToCompletion(t *testing.T) {
	store := sharedstate.NewMemoryBackend()
	bus := eventbus.New(store, []byte("secret"))
	sessions := session.New(t.TempDir(), nil)
	volumes := pipelinetest.NewVolumeStore()
	predictor := pipelinetest.NewPredictor()
	reg := buildRegistry(t, "m1", "m2")

	runner := &pipeline.Runner{
		Registry:  reg,
		Volumes:   volumes,
		Predictor: predictor,
		Store:     store,
		Bus:       bus,
	}

	arb := arbiter.New(store, nil, 2)
	require.NoError(t, arb.Init(context.Background()))

	sched := scheduler.New(store, sessions, runner, arb, bus, nil, nil, 2)

	sid, err := sessions.Create()
	require.NoError(t, err)

	volumes.Put("in1", pipeline.Volume{Data: make([]float32, 8), Shape: [3]int{2, 2, 2}})
	volumes.Put("in2", pipeline.Volume{Data: make([]float32, 8), Shape: [3]int{2, 2, 2}})

	job := segjob.Job{
		SessionID: sid,
		InputPath: "in1",
		Plan: []segjob.Step{
			{ModelName: "m1", InputPath: "in1"},
			{ModelName: "m2", InputPath: "in2"},
		},
	}
	raw, err := job.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.RPush(context.Background(), "job_queue", raw))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sched.Start(ctx))

	stream, errs := bus.Stream(ctx, sid, 0, 20*time.Millisecond)
	var sawStart, sawComplete bool
	for !sawComplete {
		select {
		case item := <-stream:
			if item.Envelope == nil {
				continue
			}
			switch item.Envelope.Event.Kind {
			case "job_start":
				sawStart = true
			case "job_complete":
				require.True(t, sawStart, "job_start must precede job_complete")
				sawComplete = true
			}
		case <-errs:
		case <-ctx.Done():
			t.Fatal("timed out waiting for job_complete")
		}
	}

	require.NoError(t, sched.Stop(context.Background()))
}

// TestSegmentationDequeueLoopDoesNotBlockOnRunningJob asserts that a second
// job enqueued while the first is still fanning out its steps is picked up
// promptly, proving runJob no longer blocks the dequeue loop.
func TestSegmentationDequeueLoopDoesNotBlockOnRunningJob(t *testing.T) {
	store := sharedstate.NewMemoryBackend()
	bus := eventbus.New(store, []byte("secret"))
	sessions := session.New(t.TempDir(), nil)
	volumes := pipelinetest.NewVolumeStore()
	predictor := pipelinetest.NewPredictor()
	reg := buildRegistry(t, "m1")

	runner := &pipeline.Runner{
		Registry:  reg,
		Volumes:   volumes,
		Predictor: predictor,
		Store:     store,
		Bus:       bus,
	}

	// Only one accelerator slot: the second job's single step can only
	// start once the first job's step releases its slot. If runJob blocked
	// the dequeue loop, the second job would never even be popped off
	// job_queue until the first settled.
	arb := arbiter.New(store, nil, 1)
	require.NoError(t, arb.Init(context.Background()))

	sched := scheduler.New(store, sessions, runner, arb, bus, nil, nil, 1)

	sidA, err := sessions.Create()
	require.NoError(t, err)
	sidB, err := sessions.Create()
	require.NoError(t, err)

	volumes.Put("inA", pipeline.Volume{Data: make([]float32, 8), Shape: [3]int{2, 2, 2}})
	volumes.Put("inB", pipeline.Volume{Data: make([]float32, 8), Shape: [3]int{2, 2, 2}})

	jobA := segjob.Job{SessionID: sidA, InputPath: "inA", Plan: []segjob.Step{{ModelName: "m1", InputPath: "inA"}}}
	jobB := segjob.Job{SessionID: sidB, InputPath: "inB", Plan: []segjob.Step{{ModelName: "m1", InputPath: "inB"}}}

	rawA, err := jobA.Marshal()
	require.NoError(t, err)
	rawB, err := jobB.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.RPush(context.Background(), "job_queue", rawA))
	require.NoError(t, store.RPush(context.Background(), "job_queue", rawB))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sched.Start(ctx))

	streamA, errsA := bus.Stream(ctx, sidA, 0, 20*time.Millisecond)
	streamB, errsB := bus.Stream(ctx, sidB, 0, 20*time.Millisecond)

	var sawA, sawB bool
	for !sawA || !sawB {
		select {
		case item := <-streamA:
			if item.Envelope != nil && item.Envelope.Event.Kind == "job_complete" {
				sawA = true
			}
		case item := <-streamB:
			if item.Envelope != nil && item.Envelope.Event.Kind == "job_complete" {
				sawB = true
			}
		case <-errsA:
		case <-errsB:
		case <-ctx.Done():
			t.Fatal("timed out waiting for both jobs to complete")
		}
	}

	require.NoError(t, sched.Stop(context.Background()))
}

package simscheduler_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/neuroinfer/segserve/internal/domain/simjob"
	"github.com/neuroinfer/segserve/internal/eventbus"
	"github.com/neuroinfer/segserve/internal/session"
	"github.com/neuroinfer/segserve/internal/sharedstate"
	"github.com/neuroinfer/segserve/internal/simscheduler"
	"github.com/neuroinfer/segserve/internal/simscheduler/simschedulertest"
	"github.com/stretchr/testify/require"
)

func writeExecutableScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake_roast.sh")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestROASTRunsJobToCompletion(t *testing.T) {
	store := sharedstate.NewMemoryBackend()
	bus := eventbus.New(store, []byte("secret"))
	sessions := session.New(t.TempDir(), nil)
	workdir := simschedulertest.NewWorkdir()

	binary := writeExecutableScript(t, `echo "STEP 2.5"
echo "STEP 3"
echo "STEP 4"
echo "STEP 5"
echo "STEP 6"
touch voltage efield emag
echo "ROAST_RUN: COMPLETE"`)

	sched := simscheduler.NewROAST(store, sessions, workdir, bus, nil, nil, nil, binary, "/opt/mcr", 5*time.Second, 2)

	sid, err := sessions.Create()
	require.NoError(t, err)

	job := simjob.Job{
		SessionID: sid,
		ModelName: "whole_tumor",
		Recipe:    []simjob.RecipeEntry{{Label: "F3", CurrentMA: 2}, {Label: "F4", CurrentMA: -2}},
	}
	raw, err := job.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.RPush(context.Background(), "roast_queue", raw))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, sched.Start(ctx))

	stream, errs := bus.Stream(ctx, sid, 0, 20*time.Millisecond)
	var sawComplete bool
	for !sawComplete {
		select {
		case item := <-stream:
			if item.Envelope != nil && item.Envelope.Event.Kind == "roast_complete" {
				sawComplete = true
			}
		case <-errs:
		case <-ctx.Done():
			t.Fatal("timed out waiting for roast_complete")
		}
	}

	require.NoError(t, sched.Stop(context.Background()))
}

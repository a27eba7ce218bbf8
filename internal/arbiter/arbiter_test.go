package arbiter

import (
	"context"
	"testing"
	"time"

	"github.com/neuroinfer/segserve/internal/sharedstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	freeBySlot map[int]int
}

func (f fakeProbe) FreeMemoryMiB(ctx context.Context, slotID int) (int, error) {
	return f.freeBySlot[slotID], nil
}

func TestAcquireAndRelease(t *testing.T) {
	store := sharedstate.NewMemoryBackend()
	a := New(store, nil, 2)
	ctx := context.Background()
	require.NoError(t, a.Init(ctx))

	slot, ok, err := a.Acquire(ctx, "sid-1", "modelA", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, []int{0, 1}, slot)

	owner, err := a.Owner(ctx, slot)
	require.NoError(t, err)
	assert.Equal(t, "sid-1:modelA", owner)

	require.NoError(t, a.Release(ctx, slot))
	owner, err = a.Owner(ctx, slot)
	require.NoError(t, err)
	assert.Equal(t, "free", owner)
}

func TestAcquireExhaustsPool(t *testing.T) {
	store := sharedstate.NewMemoryBackend()
	a := New(store, nil, 1)
	ctx := context.Background()
	require.NoError(t, a.Init(ctx))

	_, ok, err := a.Acquire(ctx, "sid-1", "modelA", 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = a.Acquire(ctx, "sid-2", "modelB", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcquireRespectsMinFreeMemory(t *testing.T) {
	store := sharedstate.NewMemoryBackend()
	probe := fakeProbe{freeBySlot: map[int]int{0: 100, 1: 8000}}
	a := New(store, probe, 2)
	ctx := context.Background()
	require.NoError(t, a.Init(ctx))

	slot, ok, err := a.Acquire(ctx, "sid-1", "modelA", 4000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, slot)
}

func TestAcquireBlockingWaitsForRelease(t *testing.T) {
	store := sharedstate.NewMemoryBackend()
	a := New(store, nil, 1)
	ctx := context.Background()
	require.NoError(t, a.Init(ctx))

	slot, ok, err := a.Acquire(ctx, "sid-1", "modelA", 0)
	require.NoError(t, err)
	require.True(t, ok)

	resultCh := make(chan int, 1)
	go func() {
		ctx2, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s, err := a.AcquireBlocking(ctx2, "sid-2", "modelB", 0)
		if err != nil {
			resultCh <- -1
			return
		}
		resultCh <- s
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, a.Release(ctx, slot))

	select {
	case s := <-resultCh:
		assert.Equal(t, slot, s)
	case <-time.After(time.Second):
		t.Fatal("AcquireBlocking did not unblock after release")
	}
}

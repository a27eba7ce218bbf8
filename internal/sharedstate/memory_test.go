package sharedstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackendKV(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", "v1"))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	set, err := m.SetNX(ctx, "k", "v2")
	require.NoError(t, err)
	assert.False(t, set)

	set, err = m.SetNX(ctx, "k2", "v2")
	require.NoError(t, err)
	assert.True(t, set)

	require.NoError(t, m.Delete(ctx, "k"))
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryBackendExpire(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	require.NoError(t, m.Set(ctx, "k", "v"))
	require.NoError(t, m.Expire(ctx, "k", 10*time.Millisecond))

	time.Sleep(30 * time.Millisecond)
	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryBackendListOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	require.NoError(t, m.RPush(ctx, "q", "a"))
	require.NoError(t, m.RPush(ctx, "q", "b"))
	require.NoError(t, m.LPush(ctx, "q", "z"))

	n, err := m.LLen(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	all, err := m.LRange(ctx, "q", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "b"}, all)

	v, ok, err := m.LPop(ctx, "q")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "z", v)
}

func TestMemoryBackendBLPopTimeout(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	start := time.Now()
	_, err := m.BLPop(ctx, "empty", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoItem)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestMemoryBackendBLPopWakesOnPush(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	resultCh := make(chan string, 1)
	go func() {
		v, err := m.BLPop(ctx, "q", time.Second)
		if err != nil {
			resultCh <- "error: " + err.Error()
			return
		}
		resultCh <- v
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.RPush(ctx, "q", "hello"))

	select {
	case v := <-resultCh:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("BLPop did not wake on push")
	}
}

func TestMemoryBackendHash(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	require.NoError(t, m.HSet(ctx, "h", "f1", "v1"))
	require.NoError(t, m.HSet(ctx, "h", "f2", "v2"))

	v, ok, err := m.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	all, err := m.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)
}

func TestMemoryBackendSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	require.NoError(t, m.SAdd(ctx, "s", "a"))
	require.NoError(t, m.SAdd(ctx, "s", "b"))

	members, err := m.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	popped, ok, err := m.SPop(ctx, "s")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, []string{"a", "b"}, popped)

	members, err = m.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

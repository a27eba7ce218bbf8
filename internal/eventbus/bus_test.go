package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/neuroinfer/segserve/internal/sharedstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndStreamDeliversInOrder(t *testing.T) {
	store := sharedstate.NewMemoryBackend()
	bus := New(store, []byte("secret"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, bus.Publish(ctx, "sid-1", "model_load_start", nil))
	require.NoError(t, bus.Publish(ctx, "sid-1", "model_progress", map[string]int{"pct": 50}))
	require.NoError(t, bus.Publish(ctx, "sid-1", "model_complete", nil))

	items, errs := bus.Stream(ctx, "sid-1", 0, 5*time.Millisecond)

	var kinds []string
	for item := range items {
		if item.Heartbeat {
			continue
		}
		kinds = append(kinds, item.Envelope.Event.Kind)
	}

	select {
	case err := <-errs:
		t.Fatalf("unexpected stream error: %v", err)
	default:
	}

	assert.Equal(t, []string{"model_load_start", "model_progress", "model_complete"}, kinds)
}

func TestStreamHeartbeatsWhenIdle(t *testing.T) {
	store := sharedstate.NewMemoryBackend()
	bus := New(store, []byte("secret"))
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	items, _ := bus.Stream(ctx, "sid-idle", 0, 5*time.Millisecond)

	sawHeartbeat := false
	for item := range items {
		if item.Heartbeat {
			sawHeartbeat = true
		}
	}
	assert.True(t, sawHeartbeat)
}

func TestStreamRejectsTamperedSignature(t *testing.T) {
	store := sharedstate.NewMemoryBackend()
	bus := New(store, []byte("secret"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, bus.Publish(ctx, "sid-2", "model_load_start", nil))

	otherBus := New(store, []byte("different-secret"))
	items, errs := otherBus.Stream(ctx, "sid-2", 0, 5*time.Millisecond)

	go func() {
		for range items {
		}
	}()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrBadSignature)
	case <-time.After(time.Second):
		t.Fatal("expected signature verification error")
	}
}

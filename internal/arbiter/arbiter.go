// Package arbiter reserves and releases accelerator slots from a fixed
// pool, optionally cross-checking a candidate slot's live free memory
// before granting it. Ownership lives entirely in the shared state hash so
// any process holding the same backend sees a consistent view.
package arbiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/neuroinfer/segserve/internal/resilience"
	"github.com/neuroinfer/segserve/internal/sharedstate"
)

const slotsKey = "gpu_locks"

const free = "free"

// DeviceProbe reports live free memory for a given slot id, in MiB.
// Implementations may shell out to a vendor tool or read host memory as a
// portable stand-in.
type DeviceProbe interface {
	FreeMemoryMiB(ctx context.Context, slotID int) (int, error)
}

// Arbiter owns the N-slot accelerator pool.
type Arbiter struct {
	store sharedstate.Store
	probe DeviceProbe
	n     int

	// mu serializes the scan-then-claim sequence local to this process;
	// the shared-state HSet itself is the cross-process source of truth,
	// but a local mutex avoids two goroutines in the same process racing
	// to claim the same free slot between the scan and the HSet.
	mu sync.Mutex
}

// New constructs an Arbiter over n slots. probe may be nil if callers never
// pass a minFreeMemMiB threshold to Acquire.
func New(store sharedstate.Store, probe DeviceProbe, n int) *Arbiter {
	return &Arbiter{store: store, probe: probe, n: n}
}

// Init marks every slot free. Called once at process startup; safe to call
// again to reset a stuck pool (e.g. after a crash with no clean release).
func (a *Arbiter) Init(ctx context.Context) error {
	for i := 0; i < a.n; i++ {
		if err := a.store.HSet(ctx, slotsKey, slotID(i), free); err != nil {
			return fmt.Errorf("arbiter: init slot %d: %w", i, err)
		}
	}
	return nil
}

// Acquire scans for a free slot and claims it for sid:model, optionally
// requiring at least minFreeMemMiB of live device memory. It returns
// (-1, false, nil) if no slot currently qualifies; the caller is
// responsible for polling with backoff.
func (a *Arbiter) Acquire(ctx context.Context, sid, model string, minFreeMemMiB int) (int, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	owners, err := a.store.HGetAll(ctx, slotsKey)
	if err != nil {
		return -1, false, fmt.Errorf("arbiter: read slots: %w", err)
	}

	for i := 0; i < a.n; i++ {
		key := slotID(i)
		if owners[key] != free {
			continue
		}
		if minFreeMemMiB > 0 {
			if a.probe == nil {
				continue
			}
			freeMiB, err := a.probe.FreeMemoryMiB(ctx, i)
			if err != nil {
				return -1, false, fmt.Errorf("arbiter: probe slot %d: %w", i, err)
			}
			if freeMiB < minFreeMemMiB {
				continue
			}
		}
		if err := a.store.HSet(ctx, slotsKey, key, fmt.Sprintf("%s:%s", sid, model)); err != nil {
			return -1, false, fmt.Errorf("arbiter: claim slot %d: %w", i, err)
		}
		return i, true, nil
	}
	return -1, false, nil
}

// AcquireBlocking retries Acquire until a slot is granted or ctx is
// cancelled, sleeping a jittered 100-200ms between attempts so a busy pool
// doesn't spin.
func (a *Arbiter) AcquireBlocking(ctx context.Context, sid, model string, minFreeMemMiB int) (int, error) {
	for {
		slot, ok, err := a.Acquire(ctx, sid, model, minFreeMemMiB)
		if err != nil {
			return -1, err
		}
		if ok {
			return slot, nil
		}
		if err := resilience.JitterSleep(ctx, 100*time.Millisecond, 200*time.Millisecond); err != nil {
			return -1, err
		}
	}
}

// Release returns a slot to the free pool. Callers must release on every
// exit path of the step that acquired it, including panics.
func (a *Arbiter) Release(ctx context.Context, slotID_ int) error {
	if err := a.store.HSet(ctx, slotsKey, slotID(slotID_), free); err != nil {
		return fmt.Errorf("arbiter: release slot %d: %w", slotID_, err)
	}
	return nil
}

// Owner returns the current owner string of a slot ("free" or "sid:model").
func (a *Arbiter) Owner(ctx context.Context, slotID_ int) (string, error) {
	v, ok, err := a.store.HGet(ctx, slotsKey, slotID(slotID_))
	if err != nil {
		return "", fmt.Errorf("arbiter: read slot %d: %w", slotID_, err)
	}
	if !ok {
		return free, nil
	}
	return v, nil
}

func slotID(i int) string {
	return fmt.Sprintf("%d", i)
}

// N returns the pool's slot count, for callers (the /health handler) that
// need to enumerate every slot.
func (a *Arbiter) N() int {
	return a.n
}

// SlotStatus is one accelerator slot's live occupancy, used by the /health
// handler to populate its gpu_usage array.
type SlotStatus struct {
	Index   int
	Owner   string
	InUse   bool
	FreeMiB int
}

// Snapshot reads every slot's owner and, when a probe is configured, its
// live free memory.
func (a *Arbiter) Snapshot(ctx context.Context) ([]SlotStatus, error) {
	owners, err := a.store.HGetAll(ctx, slotsKey)
	if err != nil {
		return nil, fmt.Errorf("arbiter: read slots: %w", err)
	}

	out := make([]SlotStatus, a.n)
	for i := 0; i < a.n; i++ {
		owner := owners[slotID(i)]
		if owner == "" {
			owner = free
		}
		status := SlotStatus{Index: i, Owner: owner, InUse: owner != free}
		if a.probe != nil {
			if freeMiB, err := a.probe.FreeMemoryMiB(ctx, i); err == nil {
				status.FreeMiB = freeMiB
			}
		}
		out[i] = status
	}
	return out, nil
}

// Package simscheduler implements the two Simulation Schedulers (ROAST and
// SimNIBS) described in spec §4.8: each prepares a per-(session, model)
// working directory, launches an external simulation binary through
// internal/procjob, and streams its progress as the binary's stdout
// crosses known phase markers.
package simscheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/neuroinfer/segserve/internal/eventbus"
	"github.com/neuroinfer/segserve/internal/obslog"
	"github.com/neuroinfer/segserve/internal/sharedstate"
	"golang.org/x/time/rate"
)

const pollTimeout = 2 * time.Second

// WorkdirIO is the opaque per-session imaging collaborator both schedulers
// use to stage their working directory: gunzip the native T1, load a
// model's label output as raw bytes, and save a freshly-typed label volume
// whose header dtype is regenerated from the data rather than inherited
// (spec §9). Only ROAST loads and saves label bytes, and it writes them
// unchanged as its mask: neither scheduler rewrites labels to tissue codes
// (procjob.RemapLabels is not called). Its real implementation wraps the
// same imaging stack as internal/pipeline.VolumeStore; it is kept separate
// because the simulation schedulers work in raw-byte label space rather
// than internal/pipeline.Volume's float32 intensity space.
type WorkdirIO interface {
	// DecompressToFile gunzips srcGz into dstPath.
	DecompressToFile(ctx context.Context, srcGz, dstPath string) error
	// CopyFile copies src to dst, used for the ROAST SPM-bypass file.
	CopyFile(ctx context.Context, src, dst string) error
	// LoadLabelBytes reads a labelled volume and returns its raw 8-bit
	// data, affine, and voxel shape.
	LoadLabelBytes(ctx context.Context, path string) (data []byte, affine [4][4]float64, shape [3]int, err error)
	// SaveLabelBytes writes data as a fresh labelled volume at path,
	// regenerating the header dtype from data rather than inheriting any
	// prior header.
	SaveLabelBytes(ctx context.Context, path string, data []byte, shape [3]int, affine [4][4]float64) error
}

// simCommon is embedded by both schedulers for the status/progress/event
// bookkeeping they share, keyed by a scheduler-specific prefix
// ("roast"/"simnibs") so their kv spaces never collide, per spec §4.8's
// "each owns ... a status kv space, a progress kv space".
type simCommon struct {
	kind   string
	store  sharedstate.Store
	bus    *eventbus.Bus
	logger *obslog.Logger
	audit  *obslog.AuditWriter
}

func (c *simCommon) setStatus(ctx context.Context, sid, status string) {
	if err := c.store.Set(ctx, c.kind+"_status:"+sid, status); err != nil && c.logger != nil {
		c.logger.WithSession(sid).WithError(err).Error("set " + c.kind + " status")
	}
}

func (c *simCommon) setProgress(ctx context.Context, sid string, progress int) {
	if err := c.store.Set(ctx, c.kind+"_progress:"+sid, fmt.Sprintf("%d", progress)); err != nil && c.logger != nil {
		c.logger.WithSession(sid).WithError(err).Error("set " + c.kind + " progress")
	}
}

func (c *simCommon) emit(ctx context.Context, sid, eventKind string, progress int, detail string) {
	c.setProgress(ctx, sid, progress)
	payload := map[string]interface{}{"progress": progress}
	if detail != "" {
		payload["detail"] = detail
	}
	if err := c.bus.Publish(ctx, sid, eventKind, payload); err != nil && c.logger != nil {
		c.logger.WithSession(sid).WithError(err).Error("publish event")
	}
	if c.audit != nil {
		c.audit.Append(ctx, sid, "", eventKind, detail)
	}
}

func (c *simCommon) fail(ctx context.Context, sid string, err error) {
	c.setStatus(ctx, sid, "error")
	c.emit(ctx, sid, c.kind+"_error", -1, err.Error())
	if c.logger != nil {
		c.logger.WithSession(sid).WithError(err).Error(c.kind + " job failed")
	}
}

// runLoop is the shared BLPop-dequeue-to-bounded-worker-pool loop used by
// both schedulers. Neither scheduler holds an accelerator slot, so their
// only concurrency control is a fixed worker count (spec §4.8); both
// additionally respect a shared SIM_LAUNCH_QPS ceiling on how often a new
// child process may start, enforced by limiter.
func runLoop(ctx context.Context, store sharedstate.Store, queueKey string, workers int, limiter *rate.Limiter, process func(ctx context.Context, raw string)) {
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := store.BLPop(ctx, queueKey, pollTimeout)
		if err != nil {
			continue
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(raw string) {
			defer wg.Done()
			defer func() { <-sem }()
			process(ctx, raw)
		}(raw)
	}
}

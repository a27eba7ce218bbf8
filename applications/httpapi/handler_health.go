package httpapi

import (
	"net/http"

	"github.com/neuroinfer/segserve/internal/httputil"
)

// gpuUsage is one slot's line in GET /health's gpu_usage array. mem_free_mib
// is omitted (0) when no device probe is wired. There is no total-memory
// field, since the Arbiter only ever learns a slot's free memory, never its
// total capacity.
type gpuUsage struct {
	GPU        int    `json:"gpu"`
	InUse      bool   `json:"in_use"`
	Owner      string `json:"owner,omitempty"`
	MemFreeMiB int    `json:"mem_free_mib,omitempty"`
}

type healthResponse struct {
	SharedStateOK bool       `json:"shared_state_ok"`
	GPUCount      int        `json:"gpu_count"`
	GPUUsage      []gpuUsage `json:"gpu_usage"`
	QueueLength   int64      `json:"queue_length"`
}

const healthCheckKey = "health_check_ping"

// handleHealth implements GET /health: a shared-state round-trip, the
// Arbiter's slot snapshot, and the segmentation job queue depth.
func handleHealth(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		sharedStateOK := svc.Store.Set(ctx, healthCheckKey, "1") == nil

		var usage []gpuUsage
		gpuCount := svc.GPUCount
		if svc.Arbiter != nil {
			gpuCount = svc.Arbiter.N()
			if slots, err := svc.Arbiter.Snapshot(ctx); err == nil {
				usage = make([]gpuUsage, len(slots))
				for i, s := range slots {
					usage[i] = gpuUsage{GPU: s.Index, InUse: s.InUse, Owner: s.Owner, MemFreeMiB: s.FreeMiB}
				}
			}
		}

		queueLength, _ := svc.Store.LLen(ctx, "job_queue")

		httputil.WriteJSON(w, http.StatusOK, healthResponse{
			SharedStateOK: sharedStateOK,
			GPUCount:      gpuCount,
			GPUUsage:      usage,
			QueueLength:   queueLength,
		})
	}
}

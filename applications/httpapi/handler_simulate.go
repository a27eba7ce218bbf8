package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/neuroinfer/segserve/internal/httputil"
	"github.com/neuroinfer/segserve/internal/orchestrator"
)

// maxSimulateBodyBytes bounds a /simulate JSON body; recipes and
// electrode_spec/mesh_options sub-objects are small, so this is generous.
const maxSimulateBodyBytes = 1 << 20

// handleSimulateROAST implements POST /simulate, enqueuing onto the ROAST
// scheduler's queue.
func handleSimulateROAST(svc *Service) http.HandlerFunc {
	return handleSimulate(svc, "roast_queue")
}

// handleSimulateSimNIBS implements POST /simulate/simnibs, enqueuing onto
// the SimNIBS scheduler's queue.
func handleSimulateSimNIBS(svc *Service) http.HandlerFunc {
	return handleSimulate(svc, "simnibs_queue")
}

func handleSimulate(svc *Service, queueKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxSimulateBodyBytes))
		if err != nil {
			httputil.BadRequest(w, "unreadable request body")
			return
		}

		result, err := svc.Orchestrator.Simulate(r.Context(), queueKey, body)
		if err != nil {
			var noSeg orchestrator.ErrNoSegmentation
			if errors.As(err, &noSeg) {
				httputil.NotFound(w, err.Error())
				return
			}
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, result)
	}
}

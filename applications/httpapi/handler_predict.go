package httpapi

import (
	"errors"
	"net/http"

	"github.com/neuroinfer/segserve/internal/domain/registry"
	"github.com/neuroinfer/segserve/internal/httputil"
	"github.com/neuroinfer/segserve/internal/orchestrator"
)

// maxUploadBytes bounds the in-memory portion of a multipart upload; the
// file part itself streams to disk past this threshold via
// multipart.Form's temp-file spillover.
const maxUploadBytes = 32 << 20

// handlePredict implements POST /predict from the multipart file and models
// fields (models defaults to "all"). A space field is not read: each model's
// input space comes from its registry entry.
func handlePredict(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			httputil.BadRequest(w, "invalid multipart upload")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			httputil.BadRequest(w, "missing file field")
			return
		}
		defer file.Close()

		models := r.FormValue("models")
		if models == "" {
			models = "all"
		}

		result, err := svc.Orchestrator.Predict(r.Context(), header.Filename, file, models)
		if err != nil {
			var badUpload orchestrator.ErrBadUpload
			var unknownModel registry.ErrUnknownModel
			if errors.As(err, &badUpload) || errors.As(err, &unknownModel) {
				httputil.BadRequest(w, err.Error())
				return
			}
			httputil.InternalError(w, err.Error())
			return
		}

		httputil.WriteJSON(w, http.StatusOK, result)
	}
}

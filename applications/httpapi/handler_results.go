package httpapi

import (
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"github.com/neuroinfer/segserve/internal/httputil"
)

// handleResultsModel implements GET /results/{sid}/{model}: the gzipped
// label volume for one model, or 404 if it hasn't been produced yet.
func handleResultsModel(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		path := svc.Sessions.ModelOutput(vars["sid"], vars["model"])
		serveGzippedFile(w, r, path)
	}
}

// handleResultsInput implements GET /results/{sid}/input: the gzipped,
// as-uploaded input volume.
func handleResultsInput(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		path := svc.Sessions.NativeInput(vars["sid"])
		serveGzippedFile(w, r, path)
	}
}

// handleSimulationResults implements GET /simulate/results/{sid}/{model}/{kind},
// kind in {voltage, efield, emag} per spec §6.
func handleSimulationResults(svc *Service) http.HandlerFunc {
	validKinds := map[string]bool{"voltage": true, "efield": true, "emag": true}
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		if !validKinds[vars["kind"]] {
			httputil.BadRequest(w, "kind must be one of voltage, efield, emag")
			return
		}
		// The simulator that produced these artifacts is whichever of
		// roast/simnibs ran for this (session, model); both write into
		// disjoint per-simulator workdirs, so probe both.
		for _, sim := range []string{"roast", "simnibs"} {
			path := svc.Sessions.SimulationOutput(vars["sid"], sim, vars["model"], vars["kind"])
			if _, err := os.Stat(path); err == nil {
				http.ServeFile(w, r, path)
				return
			}
		}
		httputil.NotFound(w, "simulation output not found")
	}
}

func serveGzippedFile(w http.ResponseWriter, r *http.Request, path string) {
	if _, err := os.Stat(path); err != nil {
		httputil.NotFound(w, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	http.ServeFile(w, r, path)
}

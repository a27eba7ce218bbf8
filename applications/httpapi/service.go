// Package httpapi implements the HTTP surface spec §6 names: upload
// intake, result retrieval, simulation intake, and SSE progress streams.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/neuroinfer/segserve/internal/arbiter"
	"github.com/neuroinfer/segserve/internal/domain/registry"
	"github.com/neuroinfer/segserve/internal/eventbus"
	"github.com/neuroinfer/segserve/internal/metrics"
	"github.com/neuroinfer/segserve/internal/obslog"
	"github.com/neuroinfer/segserve/internal/orchestrator"
	"github.com/neuroinfer/segserve/internal/session"
	"github.com/neuroinfer/segserve/internal/sharedstate"
)

// Service holds every collaborator the HTTP handlers need.
type Service struct {
	Orchestrator *orchestrator.Facade
	Sessions     *session.Store
	Registry     *registry.Registry
	Store        sharedstate.Store
	Bus          *eventbus.Bus
	Arbiter      *arbiter.Arbiter
	GPUCount     int
	Logger       *obslog.Logger
	Metrics      *metrics.Metrics
}

// NewRouter builds the full mux.Router: middleware chain, then every route
// in spec §6's table.
func NewRouter(svc *Service) *mux.Router {
	router := mux.NewRouter()
	router.Use(recoveryMiddleware(svc.Logger))
	router.Use(loggingMiddleware(svc.Logger))
	if svc.Metrics != nil {
		router.Use(metricsMiddleware(svc.Metrics))
	}

	router.HandleFunc("/predict", handlePredict(svc)).Methods(http.MethodPost)
	router.HandleFunc("/results/{sid}/input", handleResultsInput(svc)).Methods(http.MethodGet)
	router.HandleFunc("/results/{sid}/{model}", handleResultsModel(svc)).Methods(http.MethodGet)
	router.HandleFunc("/simulate", handleSimulateROAST(svc)).Methods(http.MethodPost)
	router.HandleFunc("/simulate/simnibs", handleSimulateSimNIBS(svc)).Methods(http.MethodPost)
	router.HandleFunc("/simulate/results/{sid}/{model}/{kind}", handleSimulationResults(svc)).Methods(http.MethodGet)
	router.HandleFunc("/stream/{sid}", handleStream(svc)).Methods(http.MethodGet)
	router.HandleFunc("/stream/roast/{sid}", handleSimStream(svc)).Methods(http.MethodGet)
	router.HandleFunc("/stream/simnibs/{sid}", handleSimStream(svc)).Methods(http.MethodGet)
	router.HandleFunc("/health", handleHealth(svc)).Methods(http.MethodGet)

	return router
}

// streamPoll is the interval Stream handlers poll the event list at,
// matching spec §5's "1-second timeout for heartbeat cadence".
const streamPoll = 1 * time.Second

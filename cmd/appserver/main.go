// Command appserver is the root supervisor: it loads configuration, wires
// every component into its collaborators, starts the Segmentation and
// Simulation Schedulers' background loops plus the two HTTP servers, and
// shuts everything down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/neuroinfer/segserve/applications/admin"
	"github.com/neuroinfer/segserve/applications/httpapi"
	"github.com/neuroinfer/segserve/internal/arbiter"
	"github.com/neuroinfer/segserve/internal/config"
	"github.com/neuroinfer/segserve/internal/domain/registry"
	"github.com/neuroinfer/segserve/internal/eventbus"
	"github.com/neuroinfer/segserve/internal/metrics"
	"github.com/neuroinfer/segserve/internal/obslog"
	"github.com/neuroinfer/segserve/internal/orchestrator"
	"github.com/neuroinfer/segserve/internal/pipeline"
	"github.com/neuroinfer/segserve/internal/scheduler"
	"github.com/neuroinfer/segserve/internal/session"
	"github.com/neuroinfer/segserve/internal/sharedstate"
	"github.com/neuroinfer/segserve/internal/simscheduler"
)

func main() {
	addrFlag := flag.String("addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	adminAddrFlag := flag.String("admin-addr", "", "admin listen address (overrides ADMIN_ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := obslog.New("segserve", cfg.LogLevel, cfg.LogFormat)

	if err := obslog.MigrateAudit(cfg.AuditDSN); err != nil {
		log.Fatalf("apply audit migrations: %v", err)
	}
	auditWriter, err := obslog.NewAuditWriter(cfg.AuditDSN, nil)
	if err != nil {
		log.Fatalf("init audit writer: %v", err)
	}
	defer auditWriter.Close()

	store := sharedstate.NewRedisBackend(
		sharedstate.RedisConfig{Addr: cfg.RedisAddr()},
		logger.Logger.WithField("component", "sharedstate"),
	)
	defer store.Close(context.Background())

	bus := eventbus.New(store, []byte(cfg.HMACSecret))

	var probe arbiter.DeviceProbe
	if cfg.GPUBackend == "hostmem" {
		probe = arbiter.HostMemProbe{}
	} else {
		probe = arbiter.NvidiaSMIProbe{}
	}
	arb := arbiter.New(store, probe, cfg.GPUCount)
	if err := arb.Init(context.Background()); err != nil {
		log.Fatalf("init GPU arbiter: %v", err)
	}

	sessions := session.New(cfg.SessionRoot, logger)
	reaper := session.NewReaper(sessions, cfg.ReapSchedule, cfg.RetentionWindow)
	if err := reaper.Start(); err != nil {
		log.Fatalf("start session reaper: %v", err)
	}
	defer reaper.Stop()

	reg, err := registry.Load(filepath.Join(cfg.ModelRoot, "registry.json"))
	if err != nil {
		log.Fatalf("load model registry: %v", err)
	}

	resampler := pipeline.NewExternalResampler(cfg.ResamplerPath)
	runner := &pipeline.Runner{
		Registry:  reg,
		Volumes:   pipeline.NewExternalVolumeStore(cfg.ImagingHelper),
		Predictor: pipeline.NewExternalPredictor(cfg.ModelHelper),
		Resampler: resampler,
		Store:     store,
		Bus:       bus,
		Logger:    logger,
		Audit:     auditWriter,
	}

	segScheduler := scheduler.New(store, sessions, runner, arb, bus, logger, auditWriter, 0)
	if err := segScheduler.Start(context.Background()); err != nil {
		log.Fatalf("start segmentation scheduler: %v", err)
	}

	workdir := simscheduler.NewExternalWorkdir(cfg.ImagingHelper)
	simTimeout := time.Duration(cfg.SimTimeoutSeconds) * time.Second
	launchLimiter := rate.NewLimiter(rate.Limit(cfg.SimLaunchQPS), 1)

	roastScheduler := simscheduler.NewROAST(
		store, sessions, workdir, bus, logger, auditWriter,
		launchLimiter,
		cfg.ROASTPath, cfg.ROASTRuntimePath, simTimeout, cfg.SimMaxWorkers,
	)
	if err := roastScheduler.Start(context.Background()); err != nil {
		log.Fatalf("start ROAST scheduler: %v", err)
	}

	simnibsScheduler := simscheduler.NewSimNIBS(
		store, sessions, workdir, simscheduler.NewExternalFEMSolver(cfg.FEMSolverPath), bus, logger, auditWriter,
		launchLimiter,
		cfg.SimNIBSPath, simTimeout, cfg.SimMaxWorkers,
	)
	if err := simnibsScheduler.Start(context.Background()); err != nil {
		log.Fatalf("start SimNIBS scheduler: %v", err)
	}

	facade := orchestrator.New(sessions, reg, store, bus, resampler, logger, auditWriter)

	m := metrics.Init("segserve")
	apiService := &httpapi.Service{
		Orchestrator: facade,
		Sessions:     sessions,
		Registry:     reg,
		Store:        store,
		Bus:          bus,
		Arbiter:      arb,
		GPUCount:     cfg.GPUCount,
		Logger:       logger,
		Metrics:      m,
	}

	httpAddr := firstNonEmpty(*addrFlag, cfg.HTTPAddr)
	apiServer := &http.Server{Addr: httpAddr, Handler: httpapi.NewRouter(apiService)}
	go func() {
		logger.Logger.Infof("http api listening on %s", httpAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http api server: %v", err)
		}
	}()

	adminService := &admin.Service{Sessions: sessions, Audit: auditWriter}
	adminAddr := firstNonEmpty(*adminAddrFlag, cfg.AdminAddr)
	adminServer := &http.Server{Addr: adminAddr, Handler: admin.NewRouter(adminService)}
	go func() {
		logger.Logger.Infof("admin api listening on %s", adminAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("admin server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Logger.WithError(err).Error("http api shutdown")
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Logger.WithError(err).Error("admin shutdown")
	}
	if err := segScheduler.Stop(shutdownCtx); err != nil {
		logger.Logger.WithError(err).Error("segmentation scheduler shutdown")
	}
	if err := roastScheduler.Stop(shutdownCtx); err != nil {
		logger.Logger.WithError(err).Error("ROAST scheduler shutdown")
	}
	if err := simnibsScheduler.Stop(shutdownCtx); err != nil {
		logger.Logger.WithError(err).Error("SimNIBS scheduler shutdown")
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

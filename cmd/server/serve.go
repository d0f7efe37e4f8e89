package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/taskmgr818/stargraph-broker/internal/admission"
	"github.com/taskmgr818/stargraph-broker/internal/auth"
	"github.com/taskmgr818/stargraph-broker/internal/comfyui"
	"github.com/taskmgr818/stargraph-broker/internal/compensation"
	"github.com/taskmgr818/stargraph-broker/internal/dispatcher"
	"github.com/taskmgr818/stargraph-broker/internal/handler"
	"github.com/taskmgr818/stargraph-broker/internal/ledger"
	"github.com/taskmgr818/stargraph-broker/internal/metrics"
	"github.com/taskmgr818/stargraph-broker/internal/middleware"
	"github.com/taskmgr818/stargraph-broker/internal/queue"
	"github.com/taskmgr818/stargraph-broker/internal/scheduler"
	"github.com/taskmgr818/stargraph-broker/internal/service"
	"github.com/taskmgr818/stargraph-broker/internal/store"
	"github.com/taskmgr818/stargraph-broker/internal/tracker"
	"github.com/taskmgr818/stargraph-broker/internal/ws"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	// ── Redis ──
	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	// ── SQL Store ──
	st, err := store.Open(cfg.DSN())
	if err != nil {
		return err
	}
	defer st.Close()
	log.WithFields(log.Fields{"host": cfg.DBHost, "db": cfg.DBName}).Info("database initialised")

	// ── Metrics ──
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg, reg)

	// ── Admission ──
	locker := admission.NewLocker(rdb)
	sem := admission.NewSemaphore(rdb)
	created, err := sem.Init(ctx, cfg.MaxConcurrency)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"capacity": cfg.MaxConcurrency, "created": created}).Info("admission semaphore ready")

	// ── Core ──
	userSvc := auth.NewUserService(st.DB())
	led := ledger.NewLedger(st.DB(), cfg.LedgerConflictRetries)
	q := queue.New(rdb)
	tr := tracker.New(rdb)
	comp := compensation.NewService(rdb, led, locker, m, cfg.CompensationMaxRetries)
	worker := comfyui.NewClient(cfg.WorkerBaseURL, cfg.WorkerClientID, cfg.WorkerSubmitTimeout)
	hub := ws.NewHub()

	sched := scheduler.New(q, tr, locker, sem, worker, comp, st, m, scheduler.Options{
		TickInterval:   cfg.TickInterval,
		TickLockTTL:    cfg.TickLockTTL,
		PlaceholderTTL: cfg.PlaceholderTTL,
		RunningTTL:     cfg.RunningTTL,
		SubmitTimeout:  cfg.WorkerSubmitTimeout,
	})

	disp := dispatcher.New(dispatcher.Deps{
		Redis:       rdb,
		Tracker:     tr,
		Semaphore:   sem,
		Charger:     led,
		Refunder:    comp,
		Artifacts:   st,
		Notifier:    hub,
		URLs:        worker,
		JobLog:      st,
		Metrics:     m,
		TerminalTTL: cfg.TerminalTTL,
	})
	listener, err := comfyui.NewListener(cfg.WorkerWSURL, worker.ClientID(), disp)
	if err != nil {
		return err
	}

	jobs := service.NewJobService(service.Deps{
		Ledger:   led,
		Queue:    q,
		Tracker:  tr,
		Locker:   locker,
		Ranker:   sched,
		Refunder: comp,
		Worker:   worker,
		JobLog:   st,
		Notifier: hub,
		Metrics:  m,
	}, service.Options{
		BoostFee:          cfg.BoostFee,
		BoostIncrement:    cfg.BoostIncrement,
		JobLockTTL:        cfg.JobLockTTL,
		InterruptAttempts: cfg.InterruptAttempts,
		InterruptDelay:    cfg.InterruptDelay,
	})

	// ── Gin Router ──
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.Logger())

	apiKey := middleware.APIKeyAuth(userSvc)
	handler.NewAuthHandler(userSvc).RegisterRoutes(r)
	handler.NewHandler(jobs, hub, st, listener, cfg.ProgressRatePerSec).RegisterRoutes(r, apiKey)
	handler.NewUserHandler(userSvc, led).RegisterRoutes(r.Group("/api/v1", apiKey))
	handler.NewAdminHandler(userSvc, led, comp, sem, cfg.CompensationMaxRetries).
		RegisterRoutes(r.Group("/api/v1/admin", middleware.AdminTokenAuth(cfg.AdminToken)))
	r.GET("/metrics", gin.WrapH(m.Handler()))

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: r,
	}

	// ── Run until signalled ──
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.ServerAddr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return sched.Start(gctx) })
	g.Go(func() error { return comp.Start(gctx, cfg.CompensationInterval) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("server exited cleanly")
	return nil
}

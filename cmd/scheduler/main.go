package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voice-survey/internal/config"
	"voice-survey/internal/scheduler"
	"voice-survey/internal/store"
	"voice-survey/internal/telemetry"
	"voice-survey/internal/telephony"
	"voice-survey/pkg/logger"
	"voice-survey/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const leaseKey = "voice-survey:scheduler:lease"

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, "scheduler")
	slog.SetDefault(log)

	db, err := utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	owner, _ := os.Hostname()
	lease, err := utils.NewLease(rdb, leaseKey, owner+"-"+uuid.NewString(), cfg.Scheduler.LeaseTTL)
	if err != nil {
		log.Error("lease init failed", "err", err)
		os.Exit(1)
	}

	provider, err := telephony.New(cfg, &http.Client{Timeout: cfg.Scheduler.ProviderTimeout})
	if err != nil {
		log.Error("telephony init failed", "err", err)
		os.Exit(1)
	}

	st := store.NewPostgresStore(db)
	sched := scheduler.New(st, st, st, provider, scheduler.Config{
		MaxConcurrentCalls: cfg.Scheduler.MaxConcurrentCalls,
		BatchSize:          cfg.Scheduler.BatchSize,
		ProviderTimeout:    cfg.Scheduler.ProviderTimeout,
		FromNumber:         cfg.Telephony.FromNumber,
		CallbackURL:        cfg.WebhookEventsURL(),
	}, log)

	runner := scheduler.NewRunner(sched, st, lease, scheduler.RunnerConfig{
		Interval:        cfg.Scheduler.Interval,
		MaxIdleInterval: cfg.Scheduler.MaxIdleInterval,
		LeaseTTL:        cfg.Scheduler.LeaseTTL,
		StaleAfter:      cfg.Scheduler.StaleAfter,
	}, log)

	// Health and metrics only; the scheduler has no other HTTP surface.
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(telemetry.Handler()))
	srv := &http.Server{Addr: cfg.HTTPAddr(), Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "err", err)
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	log.Info("scheduler started",
		"owner", lease.Owner(),
		"provider", provider.Name(),
		"interval", cfg.Scheduler.Interval.String(),
		"max_concurrent_calls", cfg.Scheduler.MaxConcurrentCalls,
	)
	if err := runner.Run(rootCtx); err != nil {
		log.Error("scheduler stopped", "err", err)
		return
	}
	log.Info("scheduler stopped")
}

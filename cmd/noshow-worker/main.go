package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/professional-scheduling/internal/appointment"
	"github.com/hackgods/professional-scheduling/internal/config"
	"github.com/hackgods/professional-scheduling/internal/db"
	"github.com/hackgods/professional-scheduling/internal/logging"
	"github.com/hackgods/professional-scheduling/internal/metrics"
	redisclient "github.com/hackgods/professional-scheduling/internal/redis"
	"github.com/hackgods/professional-scheduling/internal/schedule"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}

	logger := logging.Must(cfg.Env, cfg.LogLevel).Named("noshow-worker")
	defer func() { _ = logger.Sync() }()

	logger.Info("no-show worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
		zap.Duration("grace", cfg.NoShowGrace),
		zap.String("metrics_port", cfg.WorkerMetricsPort),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{
		MaxConns: 4,
		AppName:  "noshow-worker",
	})
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to postgres")

	// The sweep never books, but the service still needs a locker.
	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.ClientOptions{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: 2,
	})
	if err != nil {
		logger.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()

	registry := newWorkerRegistry()
	metricsSrv := newMetricsServer(cfg.WorkerMetricsPort, registry)
	go func() {
		logger.Info("metrics listener started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener error", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics listener shutdown failed", zap.Error(err))
		}
	}()

	svc := appointment.NewService(
		appointment.NewPgRepository(pgPool),
		redisclient.NewRedisScheduleLocker(rdb, redisclient.LockOptions{
			TTL:           cfg.LockTTL,
			Wait:          cfg.LockWait,
			RetryInterval: cfg.LockRetryInterval,
		}),
		schedule.SystemClock(),
		metrics.NewSchedulingMetrics(registry),
		logger,
		appointment.Options{NoShowGrace: cfg.NoShowGrace},
	)

	// Run once at startup
	runOnce(rootCtx, svc, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping no-show worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, logger)
		}
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	marked, err := svc.MarkOverdueNoShows(runCtx)
	if err != nil {
		logger.Error("no-show run error", zap.Error(err))
		return
	}
	logger.Info("no-show run complete",
		zap.Int("marked", marked),
		zap.Duration("took", time.Since(start)),
	)
}

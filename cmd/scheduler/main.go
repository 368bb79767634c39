package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cronkit/scheduler/config"
	"github.com/cronkit/scheduler/internal/email"
	"github.com/cronkit/scheduler/internal/health"
	"github.com/cronkit/scheduler/internal/infrastructure/postgres"
	"github.com/cronkit/scheduler/internal/jobmanager"
	ctxlog "github.com/cronkit/scheduler/internal/log"
	"github.com/cronkit/scheduler/internal/metrics"
	"github.com/cronkit/scheduler/internal/queue"
	"github.com/cronkit/scheduler/internal/ratelimiter"
	"github.com/cronkit/scheduler/internal/responseprocessor"
	"github.com/cronkit/scheduler/internal/scheduler"
	"github.com/cronkit/scheduler/internal/storage"
	"github.com/cronkit/scheduler/internal/timeplanner"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pool, err := postgres.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()
	logger.Info("db connected")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.Host + ":" + strconv.Itoa(cfg.Queue.Port),
		Password: cfg.Queue.Password,
		DB:       cfg.Queue.DB,
	})
	defer redisClient.Close()

	metrics.Register()

	jobRepo := postgres.NewJobRepository(pool)
	execRepo := postgres.NewExecutionRepository(pool)

	planner := timeplanner.New()
	q := queue.NewRedisQueue(redisClient, logger)
	lock := queue.NewExecutionLock(redisClient, "scheduler-"+uuid.NewString())

	dupCfg := jobmanager.DuplicateConfig{
		Enabled:         cfg.DuplicatePrevention.Enabled,
		DuplicateWindow: time.Duration(cfg.DuplicatePrevention.WindowMinutes) * time.Minute,
	}
	manager := jobmanager.New(jobRepo, execRepo, planner, q, dupCfg, nil)

	statsRepo, err := postgres.NewStatisticsRepository(cfg.Database.URL)
	if err != nil {
		logger.Warn("statistics read-model unavailable, Statistics() will error", "error", err)
	} else {
		manager.WithStatisticsReader(statsRepo)
	}

	headers := ratelimiter.HeaderNames{
		Remaining:  cfg.RateLimiting.RemainingHeader,
		Reset:      cfg.RateLimiting.ResetHeader,
		RetryAfter: cfg.RateLimiting.RetryAfterHeader,
	}
	overrides := ratelimiter.StaticOverrides{
		Default: ratelimiter.HostConfig{
			MaxRequestsPerMinute: cfg.RateLimiting.DefaultRequestsPerMinute,
			BackoffMultiplier:    cfg.RateLimiting.BackoffMultiplier,
			MinBackoff:           cfg.RateLimiting.MinBackoff,
			MaxBackoff:           cfg.RateLimiting.MaxBackoff,
		},
	}
	limiter := ratelimiter.New(overrides, headers)

	var extStore responseprocessor.ExternalStorage
	if cfg.ResponseHandling.ExternalStorageProvider == "local" {
		extStore = storage.NewLocalStore(cfg.ResponseHandling.ExternalStoragePath)
	}
	processor := responseprocessor.New(extStore)

	executor := scheduler.NewExecutor(logger, scheduler.ExecutorConfig{
		Timeout:         cfg.HTTP.Timeout,
		MaxRedirects:    cfg.HTTP.MaxRedirects,
		MaxResponseSize: cfg.HTTP.MaxResponseSize,
	})

	alerts := email.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, logger)
	checker := health.NewChecker(pool, q, q, alerts, logger, prometheus.DefaultRegisterer, health.Thresholds{
		MaxQueueDepth:    cfg.Monitoring.MaxQueueDepth,
		MaxFailureRate:   cfg.Monitoring.MaxFailureRate,
		MaxMeanExecution: cfg.Monitoring.MaxMeanExecution,
		AlertCooldown:    cfg.Monitoring.AlertCooldown,
		AlertRecipient:   cfg.Monitoring.AlertRecipient,
	})
	go checker.Start(ctx, cfg.Monitoring.ProbeInterval)

	worker := scheduler.NewWorker("worker", jobRepo, execRepo, manager, limiter, processor, executor, lock, q, logger).
		WithRecorder(checker).
		WithResponseDefaults(responseprocessor.Config{
			Algorithm:        cfg.ResponseHandling.Algorithm,
			CompressionLevel: cfg.ResponseHandling.CompressionLevel,
			ThresholdBytes:   cfg.ResponseHandling.CompressionThresholdBytes,
		})
	dispatcher := scheduler.NewDispatcher(q, worker, logger, cfg.Worker.Concurrency)
	go dispatcher.Start(ctx)

	reaper := scheduler.NewReaper(limiter, q, logger, cfg.Worker.StallDetectionInterval)
	go reaper.Start(ctx)

	janitor := scheduler.NewJanitor(execRepo, logger, cfg.Database.CleanupInterval, cfg.Database.ExecutionRetention)
	go janitor.Start(ctx)

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("scheduler shut down")
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}

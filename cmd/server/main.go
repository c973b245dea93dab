package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"PaceMail/internal/api"
	"PaceMail/internal/config"
	"PaceMail/internal/db"
	"PaceMail/internal/email"
	"PaceMail/internal/metrics"
	"PaceMail/internal/queue"
	"PaceMail/internal/quota"
	"PaceMail/internal/scheduler"
	"PaceMail/internal/worker"
)

// recordStore is satisfied by both the Postgres and the in-memory store.
type recordStore interface {
	scheduler.RecordStore
	scheduler.OrphanStore
	worker.RecordStore
}

const shutdownTimeout = 30 * time.Second

func main() {

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	var logger *zap.Logger
	if cfg.LogDevelopment {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ------------------------------------------------
	// Record Store
	// ------------------------------------------------
	var store recordStore
	memoryMode := cfg.DatabaseURL == ""
	if memoryMode {
		logger.Warn("DATABASE_URL not set, keeping emails in memory")
		store = db.NewMemoryStore()
	} else {
		pg, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pg.Close()

		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("database migration failed", zap.Error(err))
		}
		store = pg
	}

	// ------------------------------------------------
	// Redis (job store + quota counters)
	// ------------------------------------------------
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("invalid REDIS_URL", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}

	jobs := queue.New(rdb)
	if memoryMode {
		// Record ids restart at 1 with every run, so jobs from an earlier
		// run must not be visible to this one.
		ns := "mem-" + strconv.FormatInt(time.Now().UnixNano(), 36)
		jobs.WithNamespace(ns)
		logger.Info("using a per-run job namespace", zap.String("namespace", ns))
	}
	gate := quota.NewGate(rdb)

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	// ------------------------------------------------
	// Email Sender
	// ------------------------------------------------
	sender := email.NewSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword)
	sender.Retries = cfg.RetryAttempts
	sender.Timeout = cfg.SendTimeout

	// ------------------------------------------------
	// Scheduler
	// ------------------------------------------------
	planner := scheduler.NewPlanner(store, jobs, cfg.MaxPerHour, logger)

	reconciler := scheduler.NewReconciler(store, jobs, cfg.SweepGrace, cfg.SweepBatch, logger)
	if err := reconciler.Start(cfg.SweepSchedule); err != nil {
		logger.Fatal("reconciler start failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Worker Pool
	// ------------------------------------------------
	pool := worker.NewPool(store, jobs, gate, sender, logger,
		worker.WithConcurrency(cfg.WorkerCount),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithMinSendInterval(cfg.MinSendDelay),
		worker.WithVisibilityTimeout(cfg.VisibilityTimeout),
		worker.WithReapInterval(cfg.ReapInterval),
		worker.WithHourlyCap(cfg.MaxPerHour),
	)
	// Stop drains the pool; the signal alone must not cut sends short.
	if err := pool.Start(context.WithoutCancel(ctx)); err != nil {
		logger.Fatal("worker pool start failed", zap.Error(err))
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := api.NewHandler(planner, jobs, cfg.MaxCSVRows, logger)

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           api.Router(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ------------------------------------------------
	// Serve until a signal or a server error
	// ------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		return serve(metricsServer)
	})

	g.Go(func() error {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		return serve(apiServer)
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("shutting down services...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop taking requests before the workers drain.
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", zap.Error(err))
		}

		reconciler.Stop(shutdownCtx)

		if err := pool.Stop(shutdownCtx); err != nil {
			logger.Error("worker pool shutdown failed", zap.Error(err))
		}

		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

func serve(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

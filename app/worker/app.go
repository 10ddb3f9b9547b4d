package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sealedvote/sealedvote/pkg/config"
	"github.com/sealedvote/sealedvote/pkg/encryptor"
	"github.com/sealedvote/sealedvote/pkg/ledger"
	"github.com/sealedvote/sealedvote/pkg/logging"
	"github.com/sealedvote/sealedvote/pkg/metrics"
	"github.com/sealedvote/sealedvote/pkg/queue"
	redisx "github.com/sealedvote/sealedvote/pkg/redis"
	"github.com/sealedvote/sealedvote/pkg/store"
	"github.com/sealedvote/sealedvote/pkg/utils"
	workerpkg "github.com/sealedvote/sealedvote/pkg/worker"
	"go.uber.org/zap"
)

// App is the job-processing process: consumer loops, promoter, and janitor.
type App struct {
	Logger   *zap.Logger
	Redis    *redisx.Client
	Store    *store.Store
	Queue    *queue.Queue
	Workers  *workerpkg.Workers
	Cron     *cron.Cron
	Registry *prometheus.Registry

	metricsServer *http.Server
}

// Initialize wires the worker process. Fatal on any dependency failure.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Unable to load configuration", zap.Error(err))
	}

	st, err := store.New(cfg.DataDir, logger)
	if err != nil {
		logger.Fatal("Unable to open vote store", zap.Error(err))
	}

	rdb, err := redisx.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to establish redis connection", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	q := queue.New(rdb, logger, queue.Config{
		Retention:         cfg.Queue.Retention,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
	})

	ledgerClient := ledger.NewHTTPClient(ledger.Opts{
		Endpoints:         cfg.Ledger.Endpoints,
		Submitter:         cfg.Ledger.Submitter,
		Timeout:           cfg.Ledger.RequestTimeout,
		InclusionInterval: cfg.Ledger.InclusionInterval,
		RPS:               cfg.Ledger.RPS,
		Burst:             cfg.Ledger.Burst,
		Logger:            logger,
	})

	var enc encryptor.Client
	if cfg.Encryptor.Endpoint != "" {
		enc = encryptor.NewHTTPClient(cfg.Encryptor.Endpoint,
			&http.Client{Timeout: cfg.Encryptor.RequestTimeout}, logger)
	}

	cx := &workerpkg.Context{
		Logger:           logger,
		Store:            st,
		Ledger:           ledgerClient,
		Encryptor:        enc,
		Metrics:          m,
		SubmitTimeout:    cfg.Ledger.RequestTimeout,
		InclusionTimeout: cfg.Ledger.InclusionTimeout,
		EncryptorTimeout: cfg.Encryptor.RequestTimeout,
	}

	workers, err := workerpkg.New(cx, q, workerpkg.Config{
		SubmissionConcurrency: cfg.Workers.SubmissionConcurrency,
		TallyConcurrency:      cfg.Workers.TallyConcurrency,
		ConsumerName:          utils.Env("SEALEDVOTE_CONSUMER_NAME", "worker-1"),
	})
	if err != nil {
		logger.Fatal("Unable to build workers", zap.Error(err))
	}

	c := cron.New()
	if err := q.StartJanitor(c, queue.KindSubmission, queue.KindTally); err != nil {
		logger.Fatal("Unable to schedule queue janitor", zap.Error(err))
	}

	app := &App{
		Logger:   logger,
		Redis:    rdb,
		Store:    st,
		Queue:    q,
		Workers:  workers,
		Cron:     c,
		Registry: registry,
	}

	if addr := utils.Env("SEALEDVOTE_METRICS_ADDR", ""); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		app.metricsServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return app
}

// Start runs the consumer loops until the context is cancelled.
func (a *App) Start(ctx context.Context) {
	a.Cron.Start()
	a.Workers.Start(ctx)
	if a.metricsServer != nil {
		go func() {
			a.Logger.Info("Serving worker metrics", zap.String("addr", a.metricsServer.Addr))
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}
	a.Logger.Info("worker started")

	<-ctx.Done()
	a.Stop()
}

// Stop drains in-flight jobs before closing shared clients.
func (a *App) Stop() {
	a.Workers.Stop()
	cronCtx := a.Cron.Stop()
	<-cronCtx.Done()
	if a.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.metricsServer.Shutdown(shutdownCtx)
	}
	if err := a.Redis.Close(); err != nil {
		a.Logger.Warn("redis close", zap.Error(err))
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("store close", zap.Error(err))
	}
	a.Logger.Info("worker stopped")
}

package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sealedvote/sealedvote/pkg/config"
	"github.com/sealedvote/sealedvote/pkg/encryptor"
	"github.com/sealedvote/sealedvote/pkg/logging"
	"github.com/sealedvote/sealedvote/pkg/metrics"
	"github.com/sealedvote/sealedvote/pkg/queue"
	redisx "github.com/sealedvote/sealedvote/pkg/redis"
	"github.com/sealedvote/sealedvote/pkg/service"
	"github.com/sealedvote/sealedvote/pkg/store"
	"go.uber.org/zap"
)

// App is the HTTP-facing enqueue/status process.
type App struct {
	Logger   *zap.Logger
	Server   *http.Server
	Registry *prometheus.Registry
	Redis    *redisx.Client
	Store    *store.Store
	Service  *service.Service

	// Encryptor is nil when no encryptor endpoint is configured; the tally
	// result endpoint then serves the handle without a decrypted value.
	Encryptor encryptor.Client
}

// Initialize wires the gateway. Fatal on any dependency failure: there is no
// degraded mode for the enqueue path.
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

	svc := &service.Service{
		Logger:            logger,
		Store:             st,
		Queue:             q,
		Metrics:           m,
		QueueCfg:          cfg.Queue,
		RequireCiphertext: cfg.Encryptor.Endpoint == "",
	}

	var enc encryptor.Client
	if cfg.Encryptor.Endpoint != "" {
		enc = encryptor.NewHTTPClient(cfg.Encryptor.Endpoint,
			&http.Client{Timeout: cfg.Encryptor.RequestTimeout}, logger)
	}

	app := &App{
		Logger:    logger,
		Registry:  registry,
		Redis:     rdb,
		Store:     st,
		Service:   svc,
		Encryptor: enc,
	}
	app.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           app.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return app
}

// Start serves until the context is cancelled, then drains.
func (a *App) Start(ctx context.Context) {
	go func() {
		a.Logger.Info("Starting gateway", zap.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Fatal("gateway server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	a.Stop()
}

// Stop drains the server and closes the shared clients.
func (a *App) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("gateway shutdown", zap.Error(err))
	}
	if err := a.Redis.Close(); err != nil {
		a.Logger.Warn("redis close", zap.Error(err))
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("store close", zap.Error(err))
	}
	a.Logger.Info("gateway stopped")
}

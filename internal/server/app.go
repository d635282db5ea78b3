// Package server builds the scroll-depth service from configuration and runs
// it until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrolldepth/internal/api"
	"github.com/JakeFAU/scrolldepth/internal/broadcast"
	"github.com/JakeFAU/scrolldepth/internal/broadcast/sinks"
	"github.com/JakeFAU/scrolldepth/internal/clock"
	"github.com/JakeFAU/scrolldepth/internal/config"
	"github.com/JakeFAU/scrolldepth/internal/id/uuid"
	mqttpublisher "github.com/JakeFAU/scrolldepth/internal/publisher/mqtt"
	gcppublisher "github.com/JakeFAU/scrolldepth/internal/publisher/pubsub"
	"github.com/JakeFAU/scrolldepth/internal/session"
	gcsstorage "github.com/JakeFAU/scrolldepth/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scrolldepth/internal/storage/local"
	memorystorage "github.com/JakeFAU/scrolldepth/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrolldepth/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/scrolldepth/internal/storage/sqlite"
	"github.com/JakeFAU/scrolldepth/internal/store"
	"github.com/JakeFAU/scrolldepth/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	registerer   prometheus.Registerer
	apiServer    *api.Server
	registry     *session.Registry
	hub          *broadcast.Hub
	repo         store.MilestoneRepository
	pubsubClient *pubsub.Client
	storage      *storage.Client
	ready        map[string]api.ReadyCheck
	tracer       *sdktrace.TracerProvider
	meter        *metric.MeterProvider
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer sets where milestone metrics are registered. Defaults to
// prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) {
		if reg != nil {
			a.registerer = reg
		}
	}
}

// Build creates the application's dependencies. On error everything already
// opened is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:        cfg,
		logger:     logger,
		registerer: prometheus.DefaultRegisterer,
		ready:      map[string]api.ReadyCheck{},
	}
	for _, opt := range opts {
		opt(app)
	}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	app.tracer, app.meter, err = telemetry.Init(ctx, cfg.Application)
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	app.repo, err = setupRepository(ctx, app)
	if err != nil {
		return nil, err
	}
	sinkList, err := setupSinks(ctx, app)
	if err != nil {
		return nil, err
	}

	bc := cfg.Broadcast
	app.hub = broadcast.NewHub(broadcast.Config{
		BufferSize:       bc.BufferSize,
		MaxBatchEvents:   bc.MaxBatchEvents,
		MaxBatchWait:     bc.MaxBatchWait,
		SinkTimeout:      bc.SinkTimeout,
		SubscriberBuffer: bc.SubscriberBuffer,
		BaseContext:      context.WithoutCancel(ctx),
		Logger:           logger.Named("broadcast"),
		TracerProvider:   app.tracer,
		MeterProvider:    app.meter,
	}, sinkList...)
	logger.Info("broadcast hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("max_batch_events", bc.MaxBatchEvents),
		zap.Duration("max_batch_wait", bc.MaxBatchWait),
	)

	app.registry = session.NewRegistry(session.Config{
		MaxSessions:   cfg.Session.MaxSessions,
		IdleTTL:       cfg.Session.IdleTTL,
		LogMilestones: cfg.Session.LogMilestones,
	},
		session.WithClock(clock.System{}),
		session.WithIDGenerator(uuid.New()),
		session.WithEmitter(app.hub),
		session.WithLogger(logger.Named("session")),
		session.WithMetrics(telemetry.SessionMetrics{}),
		session.WithTracerProvider(app.tracer),
	)

	app.apiServer = api.NewServer(api.Deps{
		Sessions: app.registry,
		Stream:   app.hub,
		Repo:     app.repo,
		Ready:    app.ready,
		Config:   cfg,
		Logger:   logger.Named("api"),
	})
	return app, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and sweeps idle sessions until ctx is canceled or a
// termination signal arrives, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.registry.RunSweeper(ctx, a.cfg.Session.SweepInterval)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return err
	default:
		return closeErr
	}
}

// Close ends every session, drains the broadcast hub into its sinks and
// releases clients.
func (a *App) Close(ctx context.Context) error {
	if a.registry != nil {
		a.registry.CloseAll()
	}
	a.closeInfrastructure(ctx)
	if err := telemetry.Shutdown(ctx, a.tracer, a.meter); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("broadcast hub close failed", zap.Error(err))
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			a.logger.Warn("milestone repository close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}

func setupRepository(ctx context.Context, app *App) (store.MilestoneRepository, error) {
	db := app.cfg.DB
	switch db.Driver {
	case "postgres":
		repo, err := pgstore.NewMilestoneStore(ctx, pgstore.Config{
			DSN:             db.DSN,
			Table:           db.Table,
			MaxConns:        db.MaxConns,
			MinConns:        db.MinConns,
			MaxConnLifetime: db.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres milestone store init failed: %w", err)
		}
		if db.Migrate {
			if err := repo.Migrate(ctx); err != nil {
				_ = repo.Close()
				return nil, fmt.Errorf("postgres migrate failed: %w", err)
			}
		}
		app.logger.Info("using postgres milestone store", zap.String("table", db.Table))
		return repo, nil
	case "sqlite":
		repo, err := sqlitestore.Open(ctx, db.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlite milestone store init failed: %w", err)
		}
		app.logger.Info("using sqlite milestone store", zap.String("path", db.DSN))
		return repo, nil
	default:
		app.logger.Info("using in-memory milestone store")
		return memorystorage.NewMilestoneStore(), nil
	}
}

func setupBlobStore(ctx context.Context, app *App) (store.BlobStore, error) {
	sc := app.cfg.Storage
	switch sc.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: sc.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.ready["gcs"] = blobs.CheckBucket
		app.logger.Info("using GCS storage backend", zap.String("bucket", sc.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: sc.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local storage backend", zap.String("path", sc.LocalDir))
		return blobs, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupSinks(ctx context.Context, app *App) ([]broadcast.Sink, error) {
	cfg := app.cfg
	promSink, err := sinks.NewPrometheusSink(app.registerer)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []broadcast.Sink{promSink, sinks.NewStoreSink(app.repo)}

	if cfg.Broadcast.LogEvents {
		sinkList = append(sinkList, sinks.NewLogSink(app.logger.Named("milestones")))
	}
	if cfg.Broadcast.Archive {
		blobs, err := setupBlobStore(ctx, app)
		if err != nil {
			return nil, err
		}
		sinkList = append(sinkList, sinks.NewBlobSink(blobs, cfg.Storage.Prefix))
	}
	if cfg.PubSub.Enabled {
		app.pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		publisher := app.pubsubClient.Publisher(cfg.PubSub.TopicName)
		sinkList = append(sinkList, sinks.NewPubSubSink(gcppublisher.New(publisher), sinks.WithTracerProvider(app.tracer)))
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicName),
		)
	}
	if cfg.MQTT.Enabled {
		publisher, err := mqttpublisher.New(mqttpublisher.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			QoS:      cfg.MQTT.MQTTQoS(),
		})
		if err != nil {
			return nil, fmt.Errorf("mqtt publisher init failed: %w", err)
		}
		sink := sinks.NewMQTTSink(publisher, cfg.MQTT.TopicPrefix, sinks.WithTracerProvider(app.tracer))
		sinkList = append(sinkList, sink)
		app.logger.Info("MQTT publisher initialized",
			zap.String("broker", cfg.MQTT.Broker),
			zap.String("topic", sink.Topic()),
		)
	}
	return sinkList, nil
}

// Package app wires configuration, transports, and the HTTP receiver into a
// runnable relay.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/plexrelay/internal/api"
	"github.com/JakeFAU/plexrelay/internal/archive"
	"github.com/JakeFAU/plexrelay/internal/clock/system"
	"github.com/JakeFAU/plexrelay/internal/coalesce"
	"github.com/JakeFAU/plexrelay/internal/config"
	"github.com/JakeFAU/plexrelay/internal/discord"
	"github.com/JakeFAU/plexrelay/internal/dispatcher"
	"github.com/JakeFAU/plexrelay/internal/id/uuid"
	"github.com/JakeFAU/plexrelay/internal/logging"
	"github.com/JakeFAU/plexrelay/internal/metrics"
	"github.com/JakeFAU/plexrelay/internal/plex"
	gcppublisher "github.com/JakeFAU/plexrelay/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/plexrelay/internal/queue/memory"
	"github.com/JakeFAU/plexrelay/internal/relay"
	"github.com/JakeFAU/plexrelay/internal/scheduler"
	"github.com/JakeFAU/plexrelay/internal/sender"
	gcsstorage "github.com/JakeFAU/plexrelay/internal/storage/gcs"
	localstorage "github.com/JakeFAU/plexrelay/internal/storage/local"
	memoryStorage "github.com/JakeFAU/plexrelay/internal/storage/memory"
	pgstore "github.com/JakeFAU/plexrelay/internal/storage/postgres"
	"github.com/JakeFAU/plexrelay/internal/telemetry"
)

// App contains the relay's dependencies.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	ownsLogger bool

	metrics      *metrics.Metrics
	queue        *queueMemory.Queue
	scheduler    *scheduler.Scheduler
	dispatcher   *dispatcher.Dispatcher
	apiServer    *api.Server
	archive      *archive.Archive
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	storage      *storage.Client
	deliveries   *pgstore.DeliveryStore
	tracer       *sdktrace.TracerProvider

	closeOnce sync.Once
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger  *zap.Logger
	sender  relay.Sender
	version string
}

// WithLogger supplies a logger instead of building one from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithVersion records the build version on trace resources.
func WithVersion(version string) Option {
	return func(o *buildOptions) { o.version = version }
}

// WithSender replaces the scheme router. Used by tests to observe deliveries.
func WithSender(s relay.Sender) Option {
	return func(o *buildOptions) { o.sender = s }
}

// Build creates the relay's dependencies. On error every resource opened so
// far is released.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	app := &App{cfg: cfg, logger: bo.logger}
	if app.logger == nil {
		logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		app.logger = logger
		app.ownsLogger = true
	}

	if err := app.build(ctx, bo); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, bo buildOptions) error {
	cfg := a.cfg
	a.logger.Info("building relay",
		zap.Int("port", cfg.Server.Port),
		zap.Int("endpoints", len(cfg.Endpoints)),
		zap.Duration("debounce", cfg.DebounceWindow()),
		zap.String("archive", cfg.Archive.Backend),
	)

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     bo.version,
			ProjectID:   cfg.Telemetry.ProjectID,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracer = tp
		a.logger.Info("tracing enabled", zap.String("project_id", cfg.Telemetry.ProjectID))
	}

	var err error
	a.metrics, err = metrics.New(nil)
	if err != nil {
		return fmt.Errorf("metrics init failed: %w", err)
	}
	clock := system.New()
	idGen := uuid.NewUUIDGenerator()

	blobStore, err := setupArchive(ctx, a)
	if err != nil {
		return err
	}
	a.archive = archive.New(blobStore, archive.Config{
		Prefix:  cfg.Archive.Prefix,
		Metrics: a.metrics,
	}, a.logger)

	if err = setupDatabase(ctx, a); err != nil {
		return err
	}

	snd := bo.sender
	if snd == nil {
		snd, err = setupSender(ctx, a)
		if err != nil {
			return err
		}
	}

	dcfg := dispatcher.Config{
		Timeout: cfg.DeliveryTimeout(),
		Metrics: a.metrics,
		Clock:   clock,
		IDGen:   idGen,
	}
	if a.tracer != nil {
		dcfg.Tracer = a.tracer.Tracer("github.com/JakeFAU/plexrelay/internal/dispatcher")
	}
	if a.deliveries != nil {
		dcfg.Recorder = a.deliveries
	}
	a.dispatcher, err = dispatcher.New(snd, cfg.Endpoints, dcfg, a.logger.Named("dispatcher"))
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}

	overflow, err := coalesce.ParseOverflowPolicy(cfg.Relay.OverflowPolicy)
	if err != nil {
		return fmt.Errorf("overflow policy: %w", err)
	}
	a.queue = queueMemory.NewQueue(cfg.Relay.QueueCapacity)
	a.scheduler, err = scheduler.New(a.queue.Events(), a.dispatcher, scheduler.Config{
		Window:    cfg.DebounceWindow(),
		MaxAge:    cfg.MaxAge(),
		MaxGroups: cfg.Relay.MaxPendingGroups,
		Overflow:  overflow,
		Clock:     clock,
		Metrics:   a.metrics,
		Logger:    a.logger.Named("scheduler"),
	})
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	validator, err := plex.NewValidator()
	if err != nil {
		return fmt.Errorf("payload validator init failed: %w", err)
	}
	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.apiServer, err = api.NewServer(api.Options{
		Queue:             a.queue,
		Translator:        plex.NewTranslator(cfg.Relay.CoalesceEvents),
		Validator:         validator,
		Archive:           a.archive,
		Metrics:           a.metrics,
		IDGen:             idGen,
		Clock:             clock,
		APIKey:            apiKey,
		RequestsPerMinute: cfg.Inbound.RequestsPerMinute,
		MaxBodyBytes:      cfg.Inbound.MaxBodyBytes,
		EnqueueTimeout:    cfg.EnqueueTimeout(),
		Checks:            a.readinessChecks(),
	}, a.logger.Named("api"))
	if err != nil {
		return fmt.Errorf("api server init failed: %w", err)
	}
	return nil
}

func setupArchive(ctx context.Context, app *App) (relay.BlobStore, error) {
	switch app.cfg.Archive.Backend {
	case config.ArchiveNone:
		return nil, nil
	case config.ArchiveMemory:
		app.logger.Info("using in-memory payload archive")
		return memoryStorage.NewBlobStore(), nil
	case config.ArchiveLocal:
		app.logger.Info("using local payload archive", zap.String("base_dir", app.cfg.Archive.BaseDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		return store, nil
	case config.ArchiveGCS:
		app.logger.Info("using GCS payload archive", zap.String("bucket", app.cfg.Archive.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", app.cfg.Archive.Backend)
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Info("delivery log disabled")
		return nil
	}
	store, err := pgstore.NewDeliveryStore(ctx, pgstore.Config{
		DSN:      app.cfg.DB.DSN,
		Table:    app.cfg.DB.Table,
		MaxConns: app.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("delivery store init failed: %w", err)
	}
	app.deliveries = store
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("delivery store schema failed: %w", err)
	}
	app.logger.Info("delivery log enabled", zap.String("table", app.cfg.DB.Table))
	return nil
}

func setupSender(ctx context.Context, app *App) (relay.Sender, error) {
	var (
		webhook relay.Sender
		pub     relay.Publisher
	)
	for _, ep := range app.cfg.Endpoints {
		scheme, _, err := sender.Parse(ep.URL)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", ep.Label(), err)
		}
		switch scheme {
		case sender.SchemePubSub:
			if pub == nil {
				if pub, err = setupPublisher(ctx, app); err != nil {
					return nil, err
				}
			}
		default:
			if webhook == nil {
				webhook = discord.New(discord.Config{
					Timeout:           app.cfg.DeliveryTimeout(),
					RequestsPerMinute: app.cfg.Discord.RequestsPerMinute,
					Username:          app.cfg.Discord.Username,
					AvatarURL:         app.cfg.Discord.AvatarURL,
					Metrics:           app.metrics,
				}, app.logger.Named("discord"))
			}
		}
	}
	return sender.New(webhook, pub), nil
}

func setupPublisher(ctx context.Context, app *App) (relay.Publisher, error) {
	app.logger.Info("using Pub/Sub publisher", zap.String("project_id", app.cfg.PubSub.ProjectID))
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.publisher = gcppublisher.New(client)
	return app.publisher, nil
}

func (a *App) readinessChecks() map[string]api.Check {
	checks := map[string]api.Check{
		"scheduler": func(context.Context) error {
			if a.scheduler == nil || !a.scheduler.Running() {
				return errors.New("scheduler not running")
			}
			return nil
		},
	}
	if a.deliveries != nil {
		checks["database"] = a.deliveries.Ping
	}
	return checks
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run listens on the configured port and serves until ctx ends or the
// process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	addr := net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the relay on ln. Shutdown stops the receiver, closes the queue so
// the scheduler flushes every pending group, waits for in-flight deliveries,
// then releases infrastructure.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The scheduler outlives ctx so it can drain after the receiver stops.
	schedCtx, cancelSched := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSched()
	go func() {
		a.logger.Info("scheduler started")
		if err := a.scheduler.Run(schedCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("scheduler stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	a.queue.Close()
	select {
	case <-a.scheduler.Done():
	case <-shutdownCtx.Done():
		a.logger.Warn("scheduler drain timed out; abandoning pending groups",
			zap.Int("pending", a.scheduler.Pending()))
		cancelSched()
	}
	if err := a.dispatcher.Wait(shutdownCtx); err != nil {
		a.logger.Warn("in-flight deliveries abandoned", zap.Error(err))
	}
	if err := a.archive.Wait(shutdownCtx); err != nil {
		a.logger.Warn("archive writes abandoned", zap.Error(err))
	}

	closeErr := a.Close(shutdownCtx)
	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return closeErr
}

// Close releases infrastructure. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		if a.ownsLogger {
			// Sync on stderr commonly fails with EINVAL; nothing to do about it.
			_ = a.logger.Sync() //nolint:errcheck
		}
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.publisher != nil {
		a.publisher.Stop()
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
	if a.deliveries != nil {
		a.deliveries.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

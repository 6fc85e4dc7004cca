package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/alfredjeanlab/changefeed/internal/bus"
	"github.com/alfredjeanlab/changefeed/internal/cachetoken"
	"github.com/alfredjeanlab/changefeed/internal/config"
	"github.com/alfredjeanlab/changefeed/internal/emitter"
	"github.com/alfredjeanlab/changefeed/internal/entitycache"
	"github.com/alfredjeanlab/changefeed/internal/events"
	"github.com/alfredjeanlab/changefeed/internal/metrics"
	"github.com/alfredjeanlab/changefeed/internal/server"
	"github.com/alfredjeanlab/changefeed/internal/session"
	"github.com/alfredjeanlab/changefeed/internal/stream"
	feedsync "github.com/alfredjeanlab/changefeed/internal/sync"
	"github.com/alfredjeanlab/changefeed/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the change feed server",
	GroupID: "system",
	// Override PersistentPreRunE so we don't build an HTTP client.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		level, err := cfg.SlogLevel()
		if err != nil {
			return err
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, logger)
	},
}

// app is the wired process minus its listeners.
type app struct {
	logger *slog.Logger

	stores    *stores
	metrics   *metrics.Metrics
	bus       *bus.Bus
	cache     *entitycache.Cache
	streams   map[string]*stream.Dispatcher
	emitter   *emitter.Emitter
	server    *server.Server
	publisher events.Publisher
	forwarder *events.Forwarder

	subscriber  *events.NATSSubscriber
	relayCancel context.CancelFunc
	relayDone   <-chan struct{}
	scheduler   *feedsync.Scheduler

	shutdownTracing func(context.Context) error
}

// newApp opens the stores and builds every component cfg enables. On error
// whatever was already opened is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{logger: logger, shutdownTracing: func(context.Context) error { return nil }}
	defer func() {
		if err != nil {
			a.close(context.Background())
			a = nil
		}
	}()

	tp, shutdownTracing, err := telemetry.Setup(ctx, "changefeed", cfg.OTelEndpoint)
	if err != nil {
		return a, fmt.Errorf("tracing: %w", err)
	}
	a.shutdownTracing = shutdownTracing
	if cfg.OTelEndpoint != "" {
		logger.Info("tracing enabled", "endpoint", cfg.OTelEndpoint)
	}

	a.stores, err = openStores(ctx, cfg, logger)
	if err != nil {
		return a, err
	}

	a.metrics = metrics.New()
	a.bus = bus.New(bus.WithLogger(logger), bus.WithMetrics(a.metrics), bus.WithTracerProvider(tp))

	a.cache = entitycache.New(entitycache.Config{Size: cfg.CacheSize, TTL: cfg.CacheTTL, Metrics: a.metrics})
	a.bus.OnAny(entitycache.NewListener(a.cache, logger))

	a.streams = make(map[string]*stream.Dispatcher, 2)
	for _, policy := range []stream.Policy{stream.OrganizationPolicy(), stream.PublicPolicy()} {
		d := stream.NewDispatcher(policy, streamOptions(cfg, logger, a.metrics, tp))
		a.streams[policy.Name] = d
		a.bus.OnAny(d)
	}

	if err := a.startEvents(ctx, cfg); err != nil {
		return a, err
	}

	a.emitter, err = emitter.New(ctx, emitter.Config{
		Counters: a.stores.Counters,
		Log:      a.stores.Log,
		Bus:      a.bus,
		Logger:   logger,
		Metrics:  a.metrics,
	})
	if err != nil {
		return a, err
	}

	signer, err := cachetoken.NewSigner(cfg.ServerSecret)
	if err != nil {
		return a, err
	}
	var sessions *session.Manager
	if cfg.SessionKey != "" {
		sessions, err = session.NewManager(cfg.SessionKey, cfg.SessionTTL)
		if err != nil {
			return a, err
		}
		logger.Info("sessions enabled", "ttl", cfg.SessionTTL)
	} else {
		logger.Info("sessions disabled (CHANGEFEED_SESSION_KEY not set)")
	}

	a.server, err = server.New(server.Deps{
		Emitter:      a.emitter,
		Counters:     a.stores.Counters,
		Log:          a.stores.Log,
		Cache:        a.cache,
		Signer:       signer,
		Sessions:     sessions,
		Streams:      a.streams,
		Metrics:      a.metrics,
		Logger:       logger,
		Keepalive:    cfg.StreamKeepalive,
		CatchupLimit: cfg.CatchupLimit,
	})
	if err != nil {
		return a, err
	}

	a.startSync(ctx, cfg)
	return a, nil
}

func streamOptions(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tp trace.TracerProvider) stream.Options {
	return stream.Options{
		WriteTimeout:   cfg.StreamWriteTimeout,
		Concurrency:    cfg.StreamDispatchConcurrency,
		Logger:         logger,
		Metrics:        m,
		TracerProvider: tp,
	}
}

// startEvents forwards local events to NATS and, when relaying, feeds
// other instances' events into the local bus.
func (a *app) startEvents(ctx context.Context, cfg *config.Config) error {
	if cfg.NATSURL == "" {
		a.publisher = &events.NoopPublisher{}
		a.logger.Info("events disabled (CHANGEFEED_NATS_URL not set)")
		return nil
	}
	pub, err := events.NewNATSPublisher(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("nats publisher: %w", err)
	}
	a.publisher = pub
	a.forwarder = events.NewForwarder(pub, a.logger)
	a.bus.OnAny(a.forwarder)
	a.logger.Info("events enabled", "nats_url", cfg.NATSURL, "origin", a.forwarder.Origin())

	if !cfg.NATSRelay {
		return nil
	}
	sub, err := events.NewNATSSubscriber(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("nats subscriber: %w", err)
	}
	a.subscriber = sub
	relayCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done, err := events.NewRelay(sub, a.bus, a.forwarder.Origin(), a.logger).Start(relayCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("nats relay: %w", err)
	}
	a.relayCancel, a.relayDone = cancel, done
	a.logger.Info("relaying events from other instances")
	return nil
}

// startSync schedules counter snapshots when an interval and a bucket are
// configured. A destination that cannot be built is logged, not fatal.
func (a *app) startSync(ctx context.Context, cfg *config.Config) {
	if cfg.SyncInterval <= 0 || cfg.SyncS3Bucket == "" {
		return
	}
	dest, err := feedsync.NewS3Destination(ctx, cfg.SyncS3Bucket, cfg.SyncS3Key, cfg.SyncS3Region, cfg.SyncS3Endpoint)
	if err != nil {
		a.logger.Error("failed to create S3 sync destination", "error", err)
		return
	}
	a.scheduler = feedsync.NewScheduler(a.stores.Counters, []feedsync.Destination{dest}, cfg.SyncInterval, a.logger)
	a.scheduler.Start()
	a.logger.Info("counter snapshots enabled", "destination", dest.Location(), "interval", cfg.SyncInterval)
}

// stopIntake stops everything that feeds or holds open streams: snapshots,
// the relay and every live subscriber.
func (a *app) stopIntake() {
	if a.scheduler != nil {
		a.scheduler.Stop()
		a.scheduler = nil
	}
	if a.relayCancel != nil {
		a.relayCancel()
		<-a.relayDone
		a.relayCancel = nil
	}
	for _, d := range a.streams {
		d.Close()
	}
}

// close releases every component. It is safe on a partially built app.
func (a *app) close(ctx context.Context) {
	a.stopIntake()
	if a.bus != nil {
		a.bus.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error("error closing publisher", "error", err)
		}
	}
	if a.subscriber != nil {
		if err := a.subscriber.Close(); err != nil {
			a.logger.Error("error closing subscriber", "error", err)
		}
	}
	if a.stores != nil {
		if err := a.stores.Close(); err != nil {
			a.logger.Error("error closing stores", "error", err)
		}
	}
	if err := a.shutdownTracing(ctx); err != nil {
		a.logger.Error("error flushing traces", "error", err)
	}
}

// runServe serves HTTP and gRPC until ctx is done or a listener fails, then
// shuts down gracefully.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		a.close(context.Background())
		return err
	}
	httpServer := &http.Server{
		Handler:           a.server.NewHTTPHandler(cfg.AuthToken),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("HTTP server listening", "addr", httpLis.Addr().String())
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var stopGRPC func()
	if cfg.GRPCAddr != "" {
		grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			_ = httpServer.Close()
			a.close(context.Background())
			return err
		}
		grpcServer, healthServer := server.NewGRPCServer(cfg.AuthToken, logger)
		go func() {
			logger.Info("gRPC server listening", "addr", grpcLis.Addr().String())
			if err := grpcServer.Serve(grpcLis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
		stopGRPC = func() {
			healthServer.Shutdown()
			grpcServer.GracefulStop()
			logger.Info("gRPC server stopped")
		}
	}

	logger.Info("changefeed server started",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"env", cfg.Env,
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed, shutting down", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Live stream handlers return once their subscriber is closed, so the
	// dispatchers go first or Shutdown would wait for every open stream.
	a.stopIntake()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("HTTP server stopped")
	if stopGRPC != nil {
		stopGRPC()
	}
	a.close(shutdownCtx)

	logger.Info("shutdown complete")
	return runErr
}

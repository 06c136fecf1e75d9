package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/constellation-viewer/internal/cache"
	"github.com/signalsfoundry/constellation-viewer/internal/config"
	"github.com/signalsfoundry/constellation-viewer/internal/fetch"
	"github.com/signalsfoundry/constellation-viewer/internal/logging"
	"github.com/signalsfoundry/constellation-viewer/internal/observability"
	"github.com/signalsfoundry/constellation-viewer/internal/reconcile"
	"github.com/signalsfoundry/constellation-viewer/internal/render"
	"github.com/signalsfoundry/constellation-viewer/internal/session"
	"github.com/signalsfoundry/constellation-viewer/internal/stream"
	"github.com/signalsfoundry/constellation-viewer/timectrl"
)

// healthService is the gRPC health service name reported for the session.
const healthService = "constellation.viewer"

func main() {
	log := logging.NewFromEnv()
	ctx := context.Background()

	cfg, err := config.LoadViewer()
	if err != nil {
		log.Error(ctx, "invalid configuration", logging.Err(err))
		os.Exit(1)
	}
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		log.Error(ctx, "invalid configuration", logging.Err(err))
		os.Exit(1)
	}

	tracingCfg := observability.TracingConfigFromEnv("constellation-viewer",
		attribute.String("viewer.scenario", cfg.Scenario),
		attribute.String("viewer.transport", string(cfg.Transport)),
	)
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewViewerCollector(prometheus.DefaultRegisterer)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		os.Exit(1)
	}
	metricsSrv := serveMetrics(cfg.MetricsAddr, collector, log)

	var hs *health.Server
	var grpcSrv *grpc.Server
	if cfg.HealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.HealthAddr)
		if err != nil {
			log.Error(ctx, "failed to listen for gRPC health", logging.String("addr", cfg.HealthAddr), logging.Err(err))
			os.Exit(1)
		}
		grpcSrv, hs = serveHealth(lis, log)
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, err := newViewer(stopCtx, cfg, log, collector)
	if err != nil {
		log.Error(ctx, "failed to build viewer", logging.Err(err))
		os.Exit(1)
	}
	v.health = hs

	runErr := v.run(stopCtx)

	log.Info(ctx, "shutting down viewer")
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if runErr != nil {
		log.Error(ctx, "viewer exited", logging.Err(runErr))
		os.Exit(1)
	}
}

func serveMetrics(addr string, collector *observability.ViewerCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

// serveHealth exposes the standard gRPC health service on lis. The viewer
// service starts NOT_SERVING and flips once the session is running.
func serveHealth(lis net.Listener, log logging.Logger) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := health.NewServer()
	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	log.Info(context.Background(), "serving gRPC health", logging.String("addr", lis.Addr().String()))
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Warn(context.Background(), "gRPC health server exited", logging.Err(err))
		}
	}()
	return srv, hs
}

// viewer is one headless viewer process: a session drawing on an in-memory
// surface, driven by a loop scheduler.
type viewer struct {
	cfg       config.Viewer
	log       logging.Logger
	collector *observability.ViewerCollector
	sched     *timectrl.LoopScheduler
	surface   *render.MemorySurface
	session   *session.Session
	store     *cache.RedisStore
	health    *health.Server
}

func newViewer(ctx context.Context, cfg config.Viewer, log logging.Logger, collector *observability.ViewerCollector) (*viewer, error) {
	v := &viewer{
		cfg:       cfg,
		log:       log,
		collector: collector,
		sched:     timectrl.NewLoopScheduler(cfg.FrameInterval),
		surface:   render.NewMemorySurface(),
	}

	opts := []session.Option{
		session.WithLogger(log),
		session.WithEngineOptions(reconcile.WithMetrics(collector)),
		session.WithMetrics(collector),
		session.WithFrameRecorder(observability.NewFrameRecorder(observability.WithFrameSink(collector))),
	}

	if cfg.Transport == config.TransportPoll {
		resolver, err := v.newResolver(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, session.WithResolver(resolver))
	} else {
		src, err := newStreamSource(cfg, log, collector)
		if err != nil {
			return nil, err
		}
		opts = append(opts, session.WithStream(src))
	}

	sess, err := session.New(session.Config{
		ScenarioID:       cfg.Scenario,
		ThrottleInterval: cfg.ThrottleInterval,
		Speed:            cfg.Speed,
		Duration:         cfg.Duration,
		Settings: reconcile.Settings{
			ShowLabels:       cfg.ShowLabels,
			ColorByOrbitType: cfg.ColorByOrbitType,
			SatelliteScale:   cfg.SatelliteScale,
		},
		Autoplay: cfg.Autoplay,
	}, v.sched, v.surface, opts...)
	if err != nil {
		v.closeStore()
		return nil, err
	}
	v.session = sess
	return v, nil
}

// newResolver builds the cached HTTP client, optionally backed by Redis, and
// wraps it for chunked resolution when a chunk size is configured.
func (v *viewer) newResolver(ctx context.Context) (session.Resolver, error) {
	cacheOpts := []cache.Option{
		cache.WithTTL(v.cfg.CacheTTL),
		cache.WithMetrics(v.collector),
		cache.WithLogger(v.log),
	}
	if v.cfg.RedisAddr != "" {
		store, err := cache.NewRedisStore(ctx, v.cfg.RedisAddr)
		if err != nil {
			v.log.Warn(ctx, "shared cache tier disabled", logging.String("addr", v.cfg.RedisAddr), logging.Err(err))
		} else {
			v.store = store
			cacheOpts = append(cacheOpts, cache.WithStore(store))
		}
	}

	client, err := fetch.New(v.cfg.SourceURL,
		fetch.WithHTTPClient(&http.Client{Timeout: v.cfg.RequestTimeout}),
		fetch.WithCache(cache.New(cacheOpts...)),
		fetch.WithMetrics(v.collector),
		fetch.WithLogger(v.log),
	)
	if err != nil {
		v.closeStore()
		return nil, err
	}
	if v.cfg.ChunkSize > 0 {
		return fetch.ChunkedResolver{Client: client, ChunkSize: v.cfg.ChunkSize}, nil
	}
	return client, nil
}

func newStreamSource(cfg config.Viewer, log logging.Logger, collector *observability.ViewerCollector) (stream.Source, error) {
	opts := []stream.Option{stream.WithLogger(log), stream.WithMetrics(collector)}
	switch cfg.Transport {
	case config.TransportNATS:
		return stream.NewNATSSource(cfg.NATSURL, cfg.NATSSubject, cfg.Scenario, opts...), nil
	case config.TransportSSE, config.TransportWebSocket:
		target, err := streamURL(cfg)
		if err != nil {
			return nil, err
		}
		if cfg.Transport == config.TransportSSE {
			return stream.NewSSESource(target, cfg.Scenario, opts...), nil
		}
		return stream.NewWebSocketSource(target, cfg.Scenario, opts...), nil
	}
	return nil, fmt.Errorf("%w: no stream source for transport %q", config.ErrInvalid, cfg.Transport)
}

// streamURL derives the push endpoint from the source URL unless StreamURL
// overrides it. SSE lives under the API root; WebSocket lives at the host
// root under /ws.
func streamURL(cfg config.Viewer) (string, error) {
	if cfg.StreamURL != "" {
		return cfg.StreamURL, nil
	}
	base, err := url.Parse(strings.TrimRight(cfg.SourceURL, "/"))
	if err != nil {
		return "", fmt.Errorf("%w: source URL: %w", config.ErrInvalid, err)
	}
	id := url.PathEscape(cfg.Scenario)
	switch cfg.Transport {
	case config.TransportSSE:
		return base.JoinPath("scenarios", id, "stream").String(), nil
	case config.TransportWebSocket:
		u := *base
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
		u.Path = "/ws/positions/" + id
		u.RawPath = ""
		u.RawQuery = ""
		return u.String(), nil
	}
	return "", fmt.Errorf("%w: transport %q has no stream URL", config.ErrInvalid, cfg.Transport)
}

// run drives the scheduler loop until ctx is cancelled, then closes the
// session after the loop has stopped.
func (v *viewer) run(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- v.sched.Run(loopCtx) }()
	defer v.closeStore()

	started := make(chan error, 1)
	v.sched.Post(func() { started <- v.session.Start(ctx) })

	var startErr error
	select {
	case startErr = <-started:
	case <-ctx.Done():
	}
	if startErr != nil {
		stopLoop()
		<-loopDone
		v.session.Close()
		return startErr
	}
	v.setServing(ctx.Err() == nil)

	interval := v.cfg.StatusInterval
	if interval <= 0 {
		interval = config.DefaultStatusInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-loopDone:
			v.setServing(false)
			v.session.Close()
			stopLoop()
			return errors.New("viewer: scheduler loop stopped")
		case <-ticker.C:
			v.logStatus(ctx)
		}
	}

	v.setServing(false)
	stopLoop()
	err := <-loopDone
	v.session.Close()
	return err
}

func (v *viewer) logStatus(ctx context.Context) {
	st := v.session.Stats()
	fields := []logging.Field{
		logging.String("scenario_id", st.ScenarioID),
		logging.Duration("offset", st.Clock.Current),
		logging.Any("playing", st.Clock.Playing),
		logging.Int("entities", st.Entities),
		logging.Any("resolves", st.Resolves),
		logging.Any("applied", st.Applied),
		logging.Any("stale", st.Stale),
		logging.Any("failures", st.Failures),
		logging.Any("stream_events", st.StreamEvents),
		logging.Any("fps", st.Frames.FPS),
	}
	if err := v.session.LastError(); err != nil {
		fields = append(fields, logging.Err(err))
	}
	v.log.Info(ctx, "viewer status", fields...)
}

func (v *viewer) setServing(serving bool) {
	if v.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	v.health.SetServingStatus(healthService, status)
}

func (v *viewer) closeStore() {
	if v.store == nil {
		return
	}
	if err := v.store.Close(); err != nil {
		v.log.Warn(context.Background(), "closing shared cache tier", logging.Err(err))
	}
	v.store = nil
}

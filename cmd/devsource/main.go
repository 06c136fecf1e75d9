package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/constellation-viewer/internal/config"
	"github.com/signalsfoundry/constellation-viewer/internal/devsource"
	"github.com/signalsfoundry/constellation-viewer/internal/logging"
	"github.com/signalsfoundry/constellation-viewer/internal/observability"
)

func main() {
	log := logging.NewFromEnv()
	ctx := context.Background()

	cfg, err := config.LoadSource()
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

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv("constellation-devsource"), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(stopCtx, cfg, log, prometheus.DefaultRegisterer); err != nil {
		log.Error(ctx, "data source exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves the data source until ctx is cancelled.
func run(ctx context.Context, cfg config.Source, log logging.Logger, reg prometheus.Registerer) error {
	server, err := newServer(ctx, cfg, log, reg)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info(ctx, "serving data source",
			logging.String("addr", cfg.Addr),
			logging.String("epoch", server.Epoch().Format(time.RFC3339)),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	pubCtx, cancelPub := context.WithCancel(ctx)
	defer cancelPub()
	pubDone := make(chan struct{})
	if cfg.NATSURL != "" {
		nc, err := devsource.ConnectNATS(cfg.NATSURL, log)
		if err != nil {
			log.Warn(ctx, "nats publisher disabled", logging.Err(err))
			close(pubDone)
		} else {
			pub := devsource.NewPublisher(nc, cfg.NATSSubject, server, cfg.PublishInterval)
			go func() {
				defer close(pubDone)
				defer nc.Close()
				if err := pub.Run(pubCtx); err != nil {
					log.Warn(ctx, "nats publisher exited", logging.Err(err))
				}
			}()
		}
	} else {
		close(pubDone)
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	log.Info(context.Background(), "shutting down data source")
	cancelPub()
	<-pubDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// newServer builds the catalog (built-in scenarios plus the optional TLE
// file) and the HTTP server around it.
func newServer(ctx context.Context, cfg config.Source, log logging.Logger, reg prometheus.Registerer) (*devsource.Server, error) {
	collector, err := observability.NewSourceCollector(reg)
	if err != nil {
		return nil, err
	}

	epoch := time.Now().UTC().Truncate(time.Second)
	catalog, err := devsource.NewBuiltinCatalog(ctx, epoch,
		devsource.WithTLECacheTTL(cfg.CacheTTL),
		devsource.WithCatalogLogger(log),
	)
	if err != nil {
		return nil, err
	}
	if cfg.TLEFile != "" {
		id := scenarioIDFromPath(cfg.TLEFile)
		if err := catalog.LoadFile(ctx, id, id, cfg.TLEFile); err != nil {
			return nil, err
		}
	}

	return devsource.NewServer(catalog,
		devsource.WithEpoch(epoch),
		devsource.WithSourceMetrics(collector),
		devsource.WithLogger(log),
		devsource.WithStreamInterval(cfg.StreamInterval),
	), nil
}

// scenarioIDFromPath turns "data/Weather Sats.tle" into "weather-sats".
func scenarioIDFromPath(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.ToLower(strings.Join(strings.Fields(base), "-"))
}

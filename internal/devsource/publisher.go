package devsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/signalsfoundry/constellation-viewer/internal/logging"
	"github.com/signalsfoundry/constellation-viewer/model"
)

// ConnectNATS opens a publishing connection that keeps reconnecting.
func ConnectNATS(url string, log logging.Logger) (*nats.Conn, error) {
	if log == nil {
		log = logging.Noop()
	}
	nc, err := nats.Connect(url,
		nats.Name("constellation-devsource"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn(context.Background(), "nats disconnected", logging.String("url", url), logging.Err(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info(context.Background(), "nats reconnected", logging.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// Publisher pushes every scenario's positions to
// model.StreamSubject(prefix, id) on a fixed interval. The published offset
// follows wall time since Run started.
type Publisher struct {
	nc       *nats.Conn
	prefix   string
	server   *Server
	interval time.Duration
	log      logging.Logger
}

// NewPublisher creates a publisher on nc. The caller owns nc.
func NewPublisher(nc *nats.Conn, prefix string, server *Server, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Publisher{
		nc:       nc,
		prefix:   prefix,
		server:   server,
		interval: interval,
		log:      server.log,
	}
}

// PublishOnce publishes one event per scenario at offset. Failures for single
// scenarios are joined into the returned error.
func (p *Publisher) PublishOnce(ctx context.Context, offset time.Duration) error {
	var errs []error
	for _, id := range p.server.catalog.IDs() {
		sc, err := p.server.catalog.Get(ctx, id)
		if err != nil {
			continue
		}
		data, err := json.Marshal(p.server.event(ctx, sc, offset, 0))
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s: %w", id, err))
			continue
		}
		if err := p.nc.Publish(model.StreamSubject(p.prefix, id), data); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", id, err))
			continue
		}
		p.server.metrics.IncPublished()
	}
	return errors.Join(errs...)
}

// Run publishes until ctx is cancelled, then flushes pending messages.
func (p *Publisher) Run(ctx context.Context) error {
	start := time.Now()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info(ctx, "nats publisher started",
		logging.String("prefix", p.prefix),
		logging.Duration("interval", p.interval),
	)
	for {
		if err := p.PublishOnce(ctx, time.Since(start)); err != nil {
			p.log.Warn(ctx, "nats publish failed", logging.Err(err))
		}
		select {
		case <-ctx.Done():
			if err := p.nc.Flush(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				return err
			}
			return nil
		case <-ticker.C:
		}
	}
}

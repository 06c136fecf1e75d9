package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/signalsfoundry/constellation-viewer/internal/logging"
	"github.com/signalsfoundry/constellation-viewer/model"
)

// NATSSource subscribes to model.StreamSubject(prefix, scenarioID).
type NATSSource struct {
	url        string
	subject    string
	scenarioID string
	opts       options

	closed atomic.Bool

	mu    sync.Mutex
	conn  *nats.Conn
	owned bool
	sub   *nats.Subscription
	stop  chan struct{}
}

// NewNATSSource connects to url on Start and owns the connection.
func NewNATSSource(url, prefix, scenarioID string, opts ...Option) *NATSSource {
	return &NATSSource{
		url:        url,
		subject:    model.StreamSubject(prefix, scenarioID),
		scenarioID: scenarioID,
		opts:       buildOptions(opts),
	}
}

// NewNATSSourceWithConn subscribes on an existing connection, which Close
// leaves open.
func NewNATSSourceWithConn(nc *nats.Conn, prefix, scenarioID string, opts ...Option) *NATSSource {
	s := NewNATSSource(nc.ConnectedUrl(), prefix, scenarioID, opts...)
	s.conn = nc
	return s
}

func (s *NATSSource) Transport() string { return TransportNATS }

// Subject returns the subscribed subject.
func (s *NATSSource) Subject() string { return s.subject }

func (s *NATSSource) Start(ctx context.Context, onEvent EventFunc, onError ErrorFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return fmt.Errorf("nats %s: already subscribed", s.subject)
	}

	if s.conn == nil {
		nc, err := nats.Connect(s.url,
			nats.Name("constellation-viewer"),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					s.opts.log.Warn(ctx, "nats disconnected", logging.String("url", s.url), logging.Err(err))
				}
			}),
			nats.ClosedHandler(func(nc *nats.Conn) {
				if !s.closed.CompareAndSwap(false, true) {
					return
				}
				err := nc.LastError()
				if err == nil {
					err = errors.New("connection closed")
				}
				s.opts.fail(ctx, TransportNATS, connectionError(TransportNATS, s.url, 0, err), onError)
			}),
		)
		if err != nil {
			return connectionError(TransportNATS, s.url, 0, fmt.Errorf("failed to connect to NATS: %w", err))
		}
		s.conn = nc
		s.owned = true
	}

	sub, err := s.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		if s.closed.Load() {
			return
		}
		s.opts.deliver(ctx, TransportNATS, s.scenarioID, msg.Data, onEvent)
	})
	if err != nil {
		if s.owned {
			s.conn.Close()
			s.conn = nil
		}
		return connectionError(TransportNATS, s.url, 0, fmt.Errorf("failed to subscribe: %w", err))
	}
	if err := s.conn.Flush(); err != nil {
		s.opts.log.Warn(ctx, "nats flush after subscribe failed", logging.Err(err))
	}
	s.sub = sub
	s.stop = make(chan struct{})

	go func(stop <-chan struct{}) {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}(s.stop)
	return nil
}

// Close unsubscribes and, for owned connections, disconnects.
func (s *NATSSource) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
	}
	var err error
	if s.sub != nil {
		err = s.sub.Unsubscribe()
	}
	if s.owned && s.conn != nil {
		s.conn.Close()
	}
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		err = nil
	}
	return err
}

var _ Source = (*NATSSource)(nil)

// Package stream consumes pushed position updates over SSE, WebSocket or NATS
// and normalizes them to model.PositionSet.
//
// Callbacks run on the source's own goroutine. A malformed event is logged
// and dropped; the connection stays up. A connection failure is reported once
// through the error callback and the source stops.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/constellation-viewer/internal/fetch"
	"github.com/signalsfoundry/constellation-viewer/internal/logging"
	"github.com/signalsfoundry/constellation-viewer/model"
)

// Transport labels.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "ws"
	TransportNATS      = "nats"
)

// Event outcomes reported to the MetricsRecorder.
const (
	OutcomeOK              = "ok"
	OutcomeParseError      = "parse_error"
	OutcomeConnectionError = "connection_error"
)

// ErrNotStarted is returned by controls on a source that is not connected.
var ErrNotStarted = errors.New("stream not started")

// EventFunc receives one normalized update.
type EventFunc func(model.PositionSet)

// ErrorFunc receives the failure that ended a stream.
type ErrorFunc func(error)

// Source is a push channel of position sets.
type Source interface {
	// Start connects and begins delivering events. It returns once the
	// channel is established.
	Start(ctx context.Context, onEvent EventFunc, onError ErrorFunc) error
	// Close disconnects. It does not wait for an in-progress callback.
	Close() error
	Transport() string
}

// Controller is implemented by duplex sources that accept playback commands.
type Controller interface {
	Seek(offset time.Duration) error
	Pause() error
	Resume() error
}

// MetricsRecorder receives one observation per event.
type MetricsRecorder interface {
	ObserveStreamEvent(transport, outcome string)
}

type options struct {
	log     logging.Logger
	metrics MetricsRecorder
	http    *http.Client
	dialer  *websocket.Dialer
}

// Option customises a Source.
type Option func(*options)

// WithLogger sets the source logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics reports events to m.
func WithMetrics(m MetricsRecorder) Option {
	return func(o *options) { o.metrics = m }
}

// WithHTTPClient sets the client used by SSE sources. It must not carry an
// overall timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		if hc != nil {
			o.http = hc
		}
	}
}

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		log:    logging.Noop(),
		http:   &http.Client{},
		dialer: websocket.DefaultDialer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o options) observe(transport, outcome string) {
	if o.metrics != nil {
		o.metrics.ObserveStreamEvent(transport, outcome)
	}
}

// deliver decodes one payload and hands it to onEvent, dropping it when it
// does not parse.
func (o options) deliver(ctx context.Context, transport, scenarioID string, data []byte, onEvent EventFunc) {
	set, err := DecodeEvent(data, scenarioID)
	if err != nil {
		o.observe(transport, OutcomeParseError)
		o.log.Warn(ctx, "dropping malformed stream event",
			logging.String("transport", transport),
			logging.Int("bytes", len(data)),
			logging.Err(err),
		)
		return
	}
	o.observe(transport, OutcomeOK)
	if onEvent != nil {
		onEvent(set)
	}
}

func (o options) fail(ctx context.Context, transport string, err error, onError ErrorFunc) {
	o.observe(transport, OutcomeConnectionError)
	o.log.Warn(ctx, "stream connection lost",
		logging.String("transport", transport),
		logging.Err(err),
	)
	if onError != nil {
		onError(err)
	}
}

// DecodeEvent parses a pushed event. Events without a scenario id are
// attributed to scenarioID.
func DecodeEvent(data []byte, scenarioID string) (model.PositionSet, error) {
	var ev model.StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return model.PositionSet{}, &fetch.Error{Op: "stream", Category: fetch.CategoryParse, Err: err}
	}
	if ev.Positions == nil && ev.Count > 0 {
		return model.PositionSet{}, &fetch.Error{Op: "stream", Category: fetch.CategoryParse, Err: errors.New("event has a count but no positions")}
	}
	set := ev.Set()
	if set.ScenarioID == "" {
		set.ScenarioID = scenarioID
	}
	return set, nil
}

func connectionError(op, url string, status int, err error) error {
	return &fetch.Error{Op: op, URL: url, StatusCode: status, Category: fetch.CategoryConnection, Err: err}
}

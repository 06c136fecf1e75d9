package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/constellation-viewer/model"
)

const writeWait = 5 * time.Second

// WebSocketSource is a duplex source: it receives events and sends
// time_offset and pause/resume commands back to the data source.
type WebSocketSource struct {
	url        string
	scenarioID string
	opts       options

	closed atomic.Bool

	mu   sync.Mutex // guards conn writes
	conn *websocket.Conn
	done chan struct{}
}

// NewWebSocketSource creates a source for a ws:// or wss:// url.
func NewWebSocketSource(url, scenarioID string, opts ...Option) *WebSocketSource {
	return &WebSocketSource{url: url, scenarioID: scenarioID, opts: buildOptions(opts)}
}

func (s *WebSocketSource) Transport() string { return TransportWebSocket }

func (s *WebSocketSource) Start(ctx context.Context, onEvent EventFunc, onError ErrorFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return fmt.Errorf("websocket %s: already started", s.url)
	}

	conn, resp, err := s.opts.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return connectionError(TransportWebSocket, s.url, status, err)
	}
	s.conn = conn
	s.done = make(chan struct{})

	go s.read(ctx, conn, onEvent, onError)
	go func(done <-chan struct{}) {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-done:
		}
	}(s.done)
	return nil
}

func (s *WebSocketSource) read(ctx context.Context, conn *websocket.Conn, onEvent EventFunc, onError ErrorFunc) {
	defer close(s.done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !s.closed.CompareAndSwap(false, true) {
				return
			}
			conn.Close()
			s.opts.fail(ctx, TransportWebSocket, connectionError(TransportWebSocket, s.url, 0, err), onError)
			return
		}
		s.opts.deliver(ctx, TransportWebSocket, s.scenarioID, data, onEvent)
	}
}

// Seek asks the data source to stream from offset.
func (s *WebSocketSource) Seek(offset time.Duration) error {
	secs := offset.Seconds()
	return s.send(model.StreamControl{TimeOffset: &secs})
}

// Pause suspends pushes.
func (s *WebSocketSource) Pause() error {
	return s.send(model.StreamControl{Command: model.CommandPause})
}

// Resume restarts pushes.
func (s *WebSocketSource) Resume() error {
	return s.send(model.StreamControl{Command: model.CommandResume})
}

func (s *WebSocketSource) send(msg model.StreamControl) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.closed.Load() {
		return ErrNotStarted
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return connectionError(TransportWebSocket, s.url, 0, err)
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return connectionError(TransportWebSocket, s.url, 0, err)
	}
	return nil
}

// Close sends a close frame and drops the connection. Later calls are no-ops.
func (s *WebSocketSource) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return s.conn.Close()
}

// Done is closed once the reader goroutine has exited.
func (s *WebSocketSource) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

var (
	_ Source     = (*WebSocketSource)(nil)
	_ Controller = (*WebSocketSource)(nil)
	_ Source     = (*SSESource)(nil)
)

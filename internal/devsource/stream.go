package devsource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/constellation-viewer/internal/logging"
	"github.com/signalsfoundry/constellation-viewer/model"
)

const wsWriteTimeout = 5 * time.Second

// playhead tracks the simulated offset of one stream client. Each push
// advances it by the push interval times speed unless paused.
type playhead struct {
	offset time.Duration
	speed  float64
	paused bool
}

func (p *playhead) advance(d time.Duration) {
	if p.paused {
		return
	}
	p.offset += time.Duration(float64(d) * p.speed)
}

// parsePlayhead reads time_offset, speed and limit from the query string.
func parsePlayhead(r *http.Request) (playhead, int, error) {
	q := r.URL.Query()
	offset, err := parseOffset(q.Get("time_offset"))
	if err != nil {
		return playhead{}, 0, err
	}
	speed := 1.0
	if raw := q.Get("speed"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			return playhead{}, 0, fmt.Errorf("invalid speed %q", raw)
		}
		speed = v
	}
	limit, err := intParam(q.Get("limit"), 0, 0)
	if err != nil {
		return playhead{}, 0, fmt.Errorf("invalid limit: %w", err)
	}
	return playhead{offset: offset, speed: speed}, limit, nil
}

// handleSSE pushes a position event immediately and then every stream
// interval until the client goes away.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.scenario(w, r)
	if !ok {
		return
	}
	head, limit, err := parsePlayhead(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	log := s.logger(ctx)
	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s.metrics.StreamClientDelta(1)
	defer s.metrics.StreamClientDelta(-1)
	log.Info(ctx, "sse client connected", logging.String("scenario_id", sc.ID), logging.String("remote_addr", r.RemoteAddr))
	defer log.Info(ctx, "sse client disconnected", logging.String("scenario_id", sc.ID))

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()
	for {
		data, err := json.Marshal(s.event(ctx, sc, head.offset, limit))
		if err != nil {
			log.Error(ctx, "encode stream event", logging.Err(err))
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			head.advance(s.streamInterval)
		}
	}
}

// handleWebSocket serves the duplex stream. The client may send
// model.StreamControl messages to seek, pause and resume; a seek pushes the
// new position at once.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.scenario(w, r)
	if !ok {
		return
	}
	head, limit, err := parsePlayhead(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := s.logger(ctx)

	s.metrics.StreamClientDelta(1)
	defer s.metrics.StreamClientDelta(-1)
	log.Info(ctx, "websocket client connected", logging.String("scenario_id", sc.ID), logging.String("remote_addr", r.RemoteAddr))
	defer log.Info(ctx, "websocket client disconnected", logging.String("scenario_id", sc.ID))

	controls := make(chan model.StreamControl)
	go func() {
		defer cancel()
		for {
			var msg model.StreamControl
			if err := conn.ReadJSON(&msg); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug(ctx, "websocket read ended", logging.Err(err))
				}
				return
			}
			select {
			case controls <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	send := func() bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(s.event(ctx, sc, head.offset, limit)); err != nil {
			log.Debug(ctx, "websocket write failed", logging.Err(err))
			return false
		}
		return true
	}

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()
	if !send() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case msg := <-controls:
			switch msg.Command {
			case model.CommandPause:
				head.paused = true
			case model.CommandResume:
				head.paused = false
			case "":
			default:
				log.Warn(ctx, "unknown stream command", logging.String("command", msg.Command))
			}
			if msg.TimeOffset != nil {
				head.offset = model.SecondsToDuration(*msg.TimeOffset)
				if !send() {
					return
				}
			}
		case <-ticker.C:
			if head.paused {
				continue
			}
			head.advance(s.streamInterval)
			if !send() {
				return
			}
		}
	}
}

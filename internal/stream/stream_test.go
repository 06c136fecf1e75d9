package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/constellation-viewer/internal/fetch"
	"github.com/signalsfoundry/constellation-viewer/model"
)

const waitTimeout = 5 * time.Second

type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *recordingMetrics) ObserveStreamEvent(transport, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[transport+"/"+outcome]++
}

func (m *recordingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

type collector struct {
	events chan model.PositionSet
	errs   chan error
}

func newCollector() *collector {
	return &collector{events: make(chan model.PositionSet, 16), errs: make(chan error, 4)}
}

func (c *collector) onEvent(s model.PositionSet) { c.events <- s }
func (c *collector) onError(err error)           { c.errs <- err }

func (c *collector) next(t *testing.T) model.PositionSet {
	t.Helper()
	select {
	case s := <-c.events:
		return s
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for event")
	}
	return model.PositionSet{}
}

func (c *collector) failure(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.errs:
		return err
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for stream error")
	}
	return nil
}

func eventJSON(t *testing.T, offset float64, ids ...string) string {
	t.Helper()
	ev := model.StreamEvent{Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), TimeOffset: offset, Count: len(ids)}
	for _, id := range ids {
		ev.Positions = append(ev.Positions, model.PositionRecord{ID: id, OrbitType: model.OrbitLEO})
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return string(b)
}

func TestDecodeEvent(t *testing.T) {
	set, err := DecodeEvent([]byte(`{"timestamp":"2025-01-01T00:00:00Z","time_offset":1.5,"count":1,"positions":[{"id":"A","orbit_type":"LEO"}]}`), "gps")
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if set.ScenarioID != "gps" || set.TimeOffset != 1500*time.Millisecond || set.Len() != 1 {
		t.Fatalf("set = %+v", set)
	}
	if _, err := DecodeEvent([]byte(`{"positions":`), "gps"); !errors.Is(err, fetch.ErrParse) {
		t.Fatalf("truncated event err = %v, want ErrParse", err)
	}
	if _, err := DecodeEvent([]byte(`{"count":3}`), "gps"); !errors.Is(err, fetch.ErrParse) {
		t.Fatalf("count without positions err = %v, want ErrParse", err)
	}
}

func TestSSESourceDropsMalformedEvents(t *testing.T) {
	first := eventJSON(t, 0, "A", "B")
	second := eventJSON(t, 1, "B", "C")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			http.Error(w, "bad accept", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprintf(w, "data: %s\n\n", first)
		fmt.Fprint(w, "data: {not json\n\n")
		fmt.Fprintf(w, "event: positions\nid: 3\ndata: %s\n\n", second)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	metrics := &recordingMetrics{}
	src := NewSSESource(srv.URL, "mixed", WithMetrics(metrics))
	c := newCollector()
	if err := src.Start(t.Context(), c.onEvent, c.onError); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := c.next(t); got.Len() != 2 || got.ScenarioID != "mixed" {
		t.Fatalf("first event = %+v", got)
	}
	if got := c.next(t); got.Records[1].ID != "C" || got.TimeOffset != time.Second {
		t.Fatalf("second event = %+v", got)
	}
	if n := metrics.get("sse/parse_error"); n != 1 {
		t.Fatalf("parse errors = %d, want 1", n)
	}

	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-src.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("reader did not exit after Close")
	}
	select {
	case err := <-c.errs:
		t.Fatalf("error after Close: %v", err)
	default:
	}
}

func TestSSESourceReportsEndOfStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", eventJSON(t, 0, "A"))
	}))
	defer srv.Close()

	src := NewSSESource(srv.URL, "mixed")
	defer src.Close()
	c := newCollector()
	if err := src.Start(t.Context(), c.onEvent, c.onError); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.next(t)
	if err := c.failure(t); !errors.Is(err, fetch.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
}

func TestSSESourceRejectedConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewSSESource(srv.URL, "mixed").Start(t.Context(), nil, nil)
	if !errors.Is(err, fetch.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
	if fetch.StatusCode(err) != http.StatusServiceUnavailable {
		t.Fatalf("StatusCode = %d, want 503", fetch.StatusCode(err))
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketSourceDuplex(t *testing.T) {
	upgrader := websocket.Upgrader{}
	controls := make(chan model.StreamControl, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(eventJSON(t, 0, "A")))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("garbage"))
		for {
			var msg model.StreamControl
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			controls <- msg
			if msg.TimeOffset != nil {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(eventJSON(t, *msg.TimeOffset, "B")))
			}
		}
	}))
	defer srv.Close()

	metrics := &recordingMetrics{}
	src := NewWebSocketSource(wsURL(srv), "gps", WithMetrics(metrics))
	c := newCollector()
	if err := src.Start(t.Context(), c.onEvent, c.onError); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := c.next(t); got.Records[0].ID != "A" {
		t.Fatalf("first event = %+v", got)
	}

	if err := src.Seek(90 * time.Second); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	msg := <-controls
	if msg.TimeOffset == nil || *msg.TimeOffset != 90 || msg.Command != "" {
		t.Fatalf("seek control = %+v", msg)
	}
	if got := c.next(t); got.TimeOffset != 90*time.Second || got.Records[0].ID != "B" {
		t.Fatalf("event after seek = %+v", got)
	}

	if err := src.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if msg := <-controls; msg.Command != model.CommandPause || msg.TimeOffset != nil {
		t.Fatalf("pause control = %+v", msg)
	}
	if err := src.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if msg := <-controls; msg.Command != model.CommandResume {
		t.Fatalf("resume control = %+v", msg)
	}
	if n := metrics.get("ws/parse_error"); n != 1 {
		t.Fatalf("parse errors = %d, want 1", n)
	}

	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-src.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("reader did not exit after Close")
	}
	if err := src.Pause(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Pause after Close = %v, want ErrNotStarted", err)
	}
	select {
	case err := <-c.errs:
		t.Fatalf("error after Close: %v", err)
	default:
	}
}

func TestWebSocketSourceReportsServerClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(eventJSON(t, 0, "A")))
		conn.Close()
	}))
	defer srv.Close()

	src := NewWebSocketSource(wsURL(srv), "gps")
	defer src.Close()
	c := newCollector()
	if err := src.Start(t.Context(), c.onEvent, c.onError); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.next(t)
	if err := c.failure(t); !errors.Is(err, fetch.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
}

func TestWebSocketSourceDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	err := NewWebSocketSource(wsURL(srv), "gps").Start(t.Context(), nil, nil)
	if !errors.Is(err, fetch.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
	if fetch.StatusCode(err) != http.StatusNotFound {
		t.Fatalf("StatusCode = %d, want 404", fetch.StatusCode(err))
	}
}

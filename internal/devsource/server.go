package devsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/constellation-viewer/internal/logging"
	"github.com/signalsfoundry/constellation-viewer/internal/observability"
	"github.com/signalsfoundry/constellation-viewer/model"
)

const (
	// DefaultStreamInterval is the SSE and WebSocket push period.
	DefaultStreamInterval = time.Second

	tracerName = "github.com/signalsfoundry/constellation-viewer/internal/devsource"
)

// Server serves a Catalog over HTTP. Positions are computed at Epoch plus
// the requested time offset, so every chunk of one logical request and every
// repeat of it describe the same instant.
type Server struct {
	catalog        *Catalog
	epoch          time.Time
	now            func() time.Time
	metrics        *observability.SourceCollector
	log            logging.Logger
	tracer         trace.Tracer
	streamInterval time.Duration
	upgrader       websocket.Upgrader
}

// ServerOption customises a Server.
type ServerOption func(*Server)

// WithEpoch sets the instant that time offset zero refers to.
func WithEpoch(t time.Time) ServerOption {
	return func(s *Server) { s.epoch = t.UTC() }
}

// WithNow overrides the wall clock used for health timestamps.
func WithNow(now func() time.Time) ServerOption {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSourceMetrics records HTTP, propagation and stream metrics.
func WithSourceMetrics(c *observability.SourceCollector) ServerOption {
	return func(s *Server) { s.metrics = c }
}

// WithLogger sets the server logger.
func WithLogger(l logging.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithStreamInterval sets the SSE and WebSocket push period.
func WithStreamInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

// NewServer creates a server for catalog.
func NewServer(catalog *Catalog, opts ...ServerOption) *Server {
	s := &Server{
		catalog:        catalog,
		now:            time.Now,
		log:            logging.Noop(),
		tracer:         otel.Tracer(tracerName),
		streamInterval: DefaultStreamInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.epoch.IsZero() {
		s.epoch = s.now().UTC().Truncate(time.Second)
	}
	return s
}

// Epoch returns the instant that time offset zero refers to.
func (s *Server) Epoch() time.Time { return s.epoch }

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(name, s.metrics.Middleware(name, h)))
	}

	route("GET /api/scenarios", "scenarios", s.handleScenarios)
	route("GET /api/scenarios/{id}", "scenario", s.handleScenario)
	route("GET /api/scenarios/{id}/satellites", "satellites", s.handleSatellites)
	route("GET /api/scenarios/{id}/positions", "positions", s.handlePositions)
	route("GET /api/scenarios/{id}/stream", "stream_sse", s.handleSSE)
	route("GET /api/compare", "compare", s.handleCompare)
	route("GET /api/health", "health", s.handleHealth)
	route("GET /ws/positions/{id}", "stream_ws", s.handleWebSocket)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// instrument attaches a request id, a request-scoped logger and a server span
// continuing any incoming trace context.
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		if id := r.Header.Get("X-Request-ID"); id != "" {
			ctx = logging.ContextWithRequestID(ctx, id)
		}
		ctx, log := logging.WithRequestLogger(ctx, s.log)
		ctx = logging.ContextWithLogger(ctx, log)

		ctx, span := s.tracer.Start(ctx, "devsource."+route, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		span.SetAttributes(attribute.String("http.route", route), attribute.String("http.target", r.URL.RequestURI()))

		w.Header().Set("X-Request-ID", logging.RequestIDFromContext(ctx))
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		log.Debug(ctx, "request served",
			logging.String("route", route),
			logging.String("path", r.URL.Path),
			logging.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) logger(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.log
}

func (s *Server) handleScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.ScenarioList{Scenarios: s.catalog.List(r.Context())})
}

func (s *Server) handleScenario(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.scenario(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sc.Summary())
}

func (s *Server) handleSatellites(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sc, ok := s.scenario(w, r)
	if !ok {
		return
	}
	list := model.SatelliteList{
		ScenarioID: sc.ID,
		Count:      len(sc.Satellites),
		Satellites: make([]model.SatelliteInfo, 0, len(sc.Satellites)),
	}
	for _, sat := range sc.Satellites {
		list.Satellites = append(list.Satellites, sat.Info())
	}
	list.Meta = model.ResponseMeta{ComputationTimeMs: elapsedMs(start), DataSource: sc.DataSource}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sc, ok := s.scenario(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	offset, err := parseOffset(q.Get("time_offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(q.Get("limit"), 0, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
		return
	}
	sats := sc.Limit(limit)
	target := s.epoch.Add(offset)

	if q.Has("chunk_size") || q.Has("chunk_index") {
		s.writeChunk(w, r, sc, sats, target, start)
		return
	}

	records := s.propagate(r.Context(), sc, sats, target)
	writeJSON(w, http.StatusOK, model.PositionsEnvelope{
		ScenarioID: sc.ID,
		Timestamp:  target,
		TimeOffset: offset.Seconds(),
		Count:      len(records),
		Positions:  records,
		Meta: model.ResponseMeta{
			ComputationTimeMs: elapsedMs(start),
			DataSource:        sc.DataSource,
			Propagator:        PropagatorName,
		},
	})
}

func (s *Server) writeChunk(w http.ResponseWriter, r *http.Request, sc *Scenario, sats []*Satellite, target time.Time, start time.Time) {
	q := r.URL.Query()
	size, err := intParam(q.Get("chunk_size"), 0, 1)
	if err != nil || size == 0 {
		writeError(w, http.StatusBadRequest, "chunk_size must be a positive integer")
		return
	}
	index, err := intParam(q.Get("chunk_index"), 0, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chunk_index: "+err.Error())
		return
	}
	total := max(1, (len(sats)+size-1)/size)
	if index >= total {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("chunk_index %d out of range, total_chunks %d", index, total))
		return
	}
	lo := min(index*size, len(sats))
	hi := min(lo+size, len(sats))

	records := s.propagate(r.Context(), sc, sats[lo:hi], target)
	writeJSON(w, http.StatusOK, model.ChunkEnvelope{
		ScenarioID: sc.ID,
		Timestamp:  target,
		Data:       records,
		Meta: model.ChunkMeta{
			ChunkIndex:        index,
			TotalChunks:       total,
			ComputationTimeMs: elapsedMs(start),
		},
	})
}

func (s *Server) propagate(ctx context.Context, sc *Scenario, sats []*Satellite, target time.Time) []model.PositionRecord {
	records, _ := s.propagateStates(ctx, sc, sats, target)
	return records
}

func (s *Server) propagateStates(ctx context.Context, sc *Scenario, sats []*Satellite, target time.Time) ([]model.PositionRecord, []State) {
	_, span := s.tracer.Start(ctx, "devsource.propagate")
	defer span.End()

	start := time.Now()
	records, states, failed := Propagate(sats, target)
	s.metrics.ObservePropagation(time.Since(start))
	span.SetAttributes(
		attribute.String("scenario.id", sc.ID),
		attribute.Int("satellites", len(sats)),
		attribute.Int("failed", failed),
	)
	if failed > 0 {
		s.logger(ctx).Warn(ctx, "propagation failures",
			logging.String("scenario_id", sc.ID),
			logging.Int("failed", failed),
			logging.String("target", target.Format(time.RFC3339)),
		)
	}
	return records, states
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()
	rawIDs := q.Get("scenario_ids")
	if strings.TrimSpace(rawIDs) == "" {
		writeError(w, http.StatusBadRequest, "scenario_ids is required")
		return
	}
	metric, ok := model.ParseCompareMetric(q.Get("metric"))
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown metric %q", q.Get("metric")))
		return
	}
	offset, err := parseOffset(q.Get("time_offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target := s.epoch.Add(offset)

	cmp := model.Comparison{
		Metric:     metric,
		TimeOffset: offset.Seconds(),
		Scenarios:  make(map[string]model.ScenarioStats),
	}
	for _, id := range strings.Split(rawIDs, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		sc, err := s.catalog.Get(r.Context(), id)
		if err != nil {
			// Unknown ids are left out of the comparison.
			continue
		}
		var (
			records []model.PositionRecord
			states  []State
		)
		if metric != model.MetricCount {
			records, states = s.propagateStates(r.Context(), sc, sc.Satellites, target)
		}
		cmp.Scenarios[id] = Stats(sc, metric, records, states)
	}
	cmp.Meta = model.ResponseMeta{ComputationTimeMs: elapsedMs(start), Propagator: PropagatorName}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthStatus{
		Status:    model.HealthStatusOK,
		Timestamp: s.now().UTC(),
		Scenarios: s.catalog.Len(),
	})
}

// scenario resolves the {id} path value, writing a 404 when unknown.
func (s *Server) scenario(w http.ResponseWriter, r *http.Request) (*Scenario, bool) {
	sc, err := s.catalog.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrScenarioNotFound) {
		writeError(w, http.StatusNotFound, "scenario not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return sc, true
}

// event builds one stream event for sc at offset.
func (s *Server) event(ctx context.Context, sc *Scenario, offset time.Duration, limit int) model.StreamEvent {
	target := s.epoch.Add(offset)
	records := s.propagate(ctx, sc, sc.Limit(limit), target)
	return model.StreamEvent{
		ScenarioID: sc.ID,
		Timestamp:  target,
		TimeOffset: offset.Seconds(),
		Count:      len(records),
		Positions:  records,
	}
}

// parseOffset reads a time offset in seconds; empty means zero.
func parseOffset(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid time_offset %q", raw)
	}
	return model.SecondsToDuration(v), nil
}

// intParam parses a non-negative integer, returning def when raw is empty.
func intParam(raw string, def, minimum int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < minimum {
		return 0, fmt.Errorf("%d is below %d", n, minimum)
	}
	return n, nil
}

func elapsedMs(start time.Time) float64 {
	return math.Round(float64(time.Since(start).Microseconds())/10) / 100
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

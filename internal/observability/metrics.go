package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ViewerCollector bundles Prometheus metrics for the viewer pipeline: fetches,
// cache lookups, stream events, reconciliation churn and frame cadence.
type ViewerCollector struct {
	gatherer prometheus.Gatherer

	FetchRequests  *prometheus.CounterVec
	FetchDurations *prometheus.HistogramVec
	CacheLookups   *prometheus.CounterVec
	StreamEvents   *prometheus.CounterVec
	ReconcileOps   *prometheus.CounterVec

	StaleResponses   prometheus.Counter
	RenderedEntities prometheus.Gauge
	FrameTime        prometheus.Gauge
	FramesPerSecond  prometheus.Gauge
}

// NewViewerCollector registers viewer metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewViewerCollector(reg prometheus.Registerer) (*ViewerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "viewer_fetch_requests_total",
		Help: "Data source requests issued by the viewer, labeled by endpoint and outcome.",
	}, []string{"endpoint", "outcome"}), "viewer_fetch_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "viewer_fetch_duration_seconds",
		Help:    "Data source request latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"endpoint"}), "viewer_fetch_duration_seconds")
	if err != nil {
		return nil, err
	}

	lookups, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "viewer_cache_lookups_total",
		Help: "Request cache lookups, labeled by result (hit, miss, shared, store_hit).",
	}, []string{"result"}), "viewer_cache_lookups_total")
	if err != nil {
		return nil, err
	}

	events, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "viewer_stream_events_total",
		Help: "Streamed position events, labeled by transport and outcome (applied, dropped).",
	}, []string{"transport", "outcome"}), "viewer_stream_events_total")
	if err != nil {
		return nil, err
	}

	ops, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "viewer_reconcile_operations_total",
		Help: "Render surface operations issued by reconciliation, labeled by operation.",
	}, []string{"op"}), "viewer_reconcile_operations_total")
	if err != nil {
		return nil, err
	}

	stale, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "viewer_stale_responses_total",
		Help: "Position sets discarded because a newer request had already been applied.",
	}), "viewer_stale_responses_total")
	if err != nil {
		return nil, err
	}

	entities, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "viewer_rendered_entities",
		Help: "Number of satellites currently rendered.",
	}), "viewer_rendered_entities")
	if err != nil {
		return nil, err
	}

	frameTime, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "viewer_frame_time_seconds",
		Help: "Moving average of the interval between display frames.",
	}), "viewer_frame_time_seconds")
	if err != nil {
		return nil, err
	}

	fps, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "viewer_frames_per_second",
		Help: "Frame rate derived from the moving-average frame time.",
	}), "viewer_frames_per_second")
	if err != nil {
		return nil, err
	}

	return &ViewerCollector{
		gatherer:         gatherer,
		FetchRequests:    requests,
		FetchDurations:   durations,
		CacheLookups:     lookups,
		StreamEvents:     events,
		ReconcileOps:     ops,
		StaleResponses:   stale,
		RenderedEntities: entities,
		FrameTime:        frameTime,
		FramesPerSecond:  fps,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ViewerCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ViewerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveFetch records one data source request.
func (c *ViewerCollector) ObserveFetch(endpoint, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	if c.FetchRequests != nil {
		c.FetchRequests.WithLabelValues(endpoint, outcome).Inc()
	}
	if c.FetchDurations != nil {
		c.FetchDurations.WithLabelValues(endpoint).Observe(d.Seconds())
	}
}

// ObserveCacheLookup records a request cache lookup result.
func (c *ViewerCollector) ObserveCacheLookup(result string) {
	if c == nil || c.CacheLookups == nil {
		return
	}
	c.CacheLookups.WithLabelValues(result).Inc()
}

// ObserveStreamEvent records a streamed event and whether it was applied.
func (c *ViewerCollector) ObserveStreamEvent(transport, outcome string) {
	if c == nil || c.StreamEvents == nil {
		return
	}
	c.StreamEvents.WithLabelValues(transport, outcome).Inc()
}

// ObserveReconcile adds the operation counts of one reconciliation pass.
func (c *ViewerCollector) ObserveReconcile(added, updated, removed, hidden int) {
	if c == nil || c.ReconcileOps == nil {
		return
	}
	add := func(op string, n int) {
		if n > 0 {
			c.ReconcileOps.WithLabelValues(op).Add(float64(n))
		}
	}
	add("add", added)
	add("update", updated)
	add("remove", removed)
	add("hide", hidden)
}

// IncStaleResponses counts a discarded out-of-order response.
func (c *ViewerCollector) IncStaleResponses() {
	if c == nil || c.StaleResponses == nil {
		return
	}
	c.StaleResponses.Inc()
}

// SetRenderedEntities updates the rendered entity gauge.
func (c *ViewerCollector) SetRenderedEntities(n int) {
	if c == nil || c.RenderedEntities == nil {
		return
	}
	c.RenderedEntities.Set(float64(n))
}

// SetFrameTime updates the frame time and derived FPS gauges.
func (c *ViewerCollector) SetFrameTime(d time.Duration) {
	if c == nil {
		return
	}
	if c.FrameTime != nil {
		c.FrameTime.Set(d.Seconds())
	}
	if c.FramesPerSecond != nil {
		fps := 0.0
		if d > 0 {
			fps = float64(time.Second) / float64(d)
		}
		c.FramesPerSecond.Set(fps)
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

package observability

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SourceCollector exposes metrics for the dev data source HTTP surface.
type SourceCollector struct {
	gatherer prometheus.Gatherer

	HTTPRequests    *prometheus.CounterVec
	HTTPDurations   *prometheus.HistogramVec
	PropagationTime prometheus.Histogram
	StreamClients   prometheus.Gauge
	Published       prometheus.Counter
}

// NewSourceCollector registers data source metrics against the provided
// registerer.
func NewSourceCollector(reg prometheus.Registerer) (*SourceCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "devsource_http_requests_total",
		Help: "HTTP requests served, labeled by route, method and status code.",
	}, []string{"route", "method", "code"}), "devsource_http_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "devsource_http_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"}), "devsource_http_duration_seconds")
	if err != nil {
		return nil, err
	}

	propagation, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "devsource_propagation_duration_seconds",
		Help:    "Time spent propagating a full scenario to one instant.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}), "devsource_propagation_duration_seconds")
	if err != nil {
		return nil, err
	}

	clients, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "devsource_stream_clients",
		Help: "Connected SSE and WebSocket clients.",
	}), "devsource_stream_clients")
	if err != nil {
		return nil, err
	}

	published, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "devsource_nats_published_total",
		Help: "Position sets published to NATS.",
	}), "devsource_nats_published_total")
	if err != nil {
		return nil, err
	}

	return &SourceCollector{
		gatherer:        gatherer,
		HTTPRequests:    requests,
		HTTPDurations:   durations,
		PropagationTime: propagation,
		StreamClients:   clients,
		Published:       published,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SourceCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObservePropagation records a propagation duration measurement.
func (c *SourceCollector) ObservePropagation(d time.Duration) {
	if c == nil || c.PropagationTime == nil {
		return
	}
	c.PropagationTime.Observe(d.Seconds())
}

// StreamClientDelta adjusts the connected stream client gauge.
func (c *SourceCollector) StreamClientDelta(delta int) {
	if c == nil || c.StreamClients == nil {
		return
	}
	c.StreamClients.Add(float64(delta))
}

// IncPublished counts a NATS publish.
func (c *SourceCollector) IncPublished() {
	if c == nil || c.Published == nil {
		return
	}
	c.Published.Inc()
}

// statusRecorder captures the response code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE handlers working behind the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack hands the connection to the WebSocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware records request count and duration under route, a fixed label
// that keeps path parameters out of the series cardinality.
func (c *SourceCollector) Middleware(route string, next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		c.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		c.HTTPDurations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

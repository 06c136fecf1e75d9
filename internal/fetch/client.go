// Package fetch resolves satellite positions from the data source over HTTP,
// either as one request per set or as a lazily fetched chunk sequence.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/constellation-viewer/internal/cache"
	"github.com/signalsfoundry/constellation-viewer/internal/logging"
	"github.com/signalsfoundry/constellation-viewer/model"
)

const (
	// DefaultBatchSize bounds concurrent chunk requests.
	DefaultBatchSize = 3
	// DefaultTimeout applies to each HTTP request.
	DefaultTimeout = 10 * time.Second

	maxBodyBytes = 64 << 20
	tracerName   = "github.com/signalsfoundry/constellation-viewer/internal/fetch"
)

// Endpoint labels used in metrics, spans and errors.
const (
	EndpointScenarios  = "scenarios"
	EndpointScenario   = "scenario"
	EndpointSatellites = "satellites"
	EndpointPositions  = "positions"
	EndpointChunk      = "positions_chunk"
	EndpointCompare    = "compare"
	EndpointHealth     = "health"
)

// MetricsRecorder receives one observation per HTTP request.
type MetricsRecorder interface {
	ObserveFetch(endpoint, outcome string, d time.Duration)
}

// Client talks to the data source. Every GET except health goes through the
// RequestCache when one is configured. The client never retries; callers
// decide whether and when to try again.
type Client struct {
	base      *url.URL
	http      *http.Client
	cache     *cache.RequestCache
	metrics   MetricsRecorder
	log       logging.Logger
	tracer    trace.Tracer
	batchSize int
	limit     int
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithCache memoizes responses in rc.
func WithCache(rc *cache.RequestCache) Option {
	return func(c *Client) { c.cache = rc }
}

// WithMetrics reports request outcomes and latency to m.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the client logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithBatchSize overrides the chunk batch size.
func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithLimit caps the number of satellites requested per positions call.
func WithLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.limit = n
		}
	}
}

// New creates a client for the data source rooted at baseURL, for example
// http://localhost:8000/api.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL %q: unsupported scheme %q", baseURL, u.Scheme)
	}
	c := &Client{
		base:      u,
		http:      &http.Client{Timeout: DefaultTimeout},
		log:       logging.Noop(),
		tracer:    otel.Tracer(tracerName),
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// BaseURL returns the data source root.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Resolve fetches the full position set of scenarioID at offset.
func (c *Client) Resolve(ctx context.Context, scenarioID string, offset time.Duration) (model.PositionSet, error) {
	var env model.PositionsEnvelope
	if err := c.getJSON(ctx, EndpointPositions, positionsPath(scenarioID), c.positionParams(offset), &env); err != nil {
		return model.PositionSet{}, err
	}
	set := env.Set()
	if set.ScenarioID == "" {
		set.ScenarioID = scenarioID
	}
	set.TimeOffset = offset
	return set, nil
}

// Scenarios lists the scenarios offered by the data source.
func (c *Client) Scenarios(ctx context.Context) ([]model.ScenarioSummary, error) {
	var list model.ScenarioList
	if err := c.getJSON(ctx, EndpointScenarios, "scenarios", nil, &list); err != nil {
		return nil, err
	}
	return list.Scenarios, nil
}

// Scenario returns one scenario summary.
func (c *Client) Scenario(ctx context.Context, id string) (model.ScenarioSummary, error) {
	path := "scenarios/" + url.PathEscape(id)
	var s model.ScenarioSummary
	if err := c.getJSON(ctx, EndpointScenario, path, nil, &s); err != nil {
		return model.ScenarioSummary{}, err
	}
	return s, nil
}

// Satellites lists the satellites of a scenario without positions.
func (c *Client) Satellites(ctx context.Context, id string) (model.SatelliteList, error) {
	path := "scenarios/" + url.PathEscape(id) + "/satellites"
	var list model.SatelliteList
	if err := c.getJSON(ctx, EndpointSatellites, path, nil, &list); err != nil {
		return model.SatelliteList{}, err
	}
	return list, nil
}

// Compare fetches aggregate statistics for ids on metric at offset.
func (c *Client) Compare(ctx context.Context, ids []string, metric model.CompareMetric, offset time.Duration) (model.Comparison, error) {
	if len(ids) == 0 {
		return model.Comparison{}, errors.New("compare: no scenario ids")
	}
	params := url.Values{}
	params.Set("scenario_ids", strings.Join(ids, ","))
	params.Set("metric", string(metric))
	params.Set("time_offset", FormatOffset(offset))
	var cmp model.Comparison
	if err := c.getJSON(ctx, EndpointCompare, "compare", params, &cmp); err != nil {
		return model.Comparison{}, err
	}
	return cmp, nil
}

// Health queries the data source health endpoint, bypassing the cache.
func (c *Client) Health(ctx context.Context) (model.HealthStatus, error) {
	body, err := c.do(ctx, EndpointHealth, "health", nil)
	if err != nil {
		return model.HealthStatus{}, err
	}
	var h model.HealthStatus
	if err := c.decode(EndpointHealth, "health", body, &h); err != nil {
		return model.HealthStatus{}, err
	}
	return h, nil
}

// FormatOffset renders a timeline offset as seconds with millisecond
// resolution, so requests for the same millisecond share a cache key.
func FormatOffset(offset time.Duration) string {
	return strconv.FormatFloat(offset.Round(time.Millisecond).Seconds(), 'f', 3, 64)
}

func positionsPath(scenarioID string) string {
	return "scenarios/" + url.PathEscape(scenarioID) + "/positions"
}

func (c *Client) positionParams(offset time.Duration) url.Values {
	params := url.Values{}
	params.Set("time_offset", FormatOffset(offset))
	if c.limit > 0 {
		params.Set("limit", strconv.Itoa(c.limit))
	}
	return params
}

// getJSON fetches path through the cache and decodes the body into v. The
// body is decoded inside the loader, so a response that does not parse is
// reported as a failed load and never stored. Callers that joined another
// caller's load, or hit the cache, decode the shared payload themselves.
func (c *Client) getJSON(ctx context.Context, endpoint, path string, params url.Values, v any) error {
	if c.cache == nil {
		body, err := c.do(ctx, endpoint, path, params)
		if err != nil {
			return err
		}
		return c.decode(endpoint, path, body, v)
	}

	decoded := false
	body, err := c.cache.Do(ctx, cache.Key(path, params), func(ctx context.Context) ([]byte, error) {
		body, err := c.do(ctx, endpoint, path, params)
		if err != nil {
			return nil, err
		}
		if err := c.decode(endpoint, path, body, v); err != nil {
			return nil, err
		}
		decoded = true
		return body, nil
	})
	if err != nil {
		return err
	}
	if decoded {
		return nil
	}
	return c.decode(endpoint, path, body, v)
}

func (c *Client) do(ctx context.Context, endpoint, path string, params url.Values) ([]byte, error) {
	u := c.base.JoinPath(path)
	u.RawQuery = params.Encode()
	target := u.String()

	ctx, reqID := logging.EnsureRequestID(ctx)
	ctx, span := c.tracer.Start(ctx, "fetch."+endpoint, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", http.MethodGet),
			attribute.String("http.url", target),
			attribute.String("request_id", reqID),
		))
	defer span.End()

	start := time.Now()
	body, err := c.roundTrip(ctx, endpoint, target, reqID, span)
	elapsed := time.Since(start)

	if c.metrics != nil {
		c.metrics.ObserveFetch(endpoint, Outcome(err), elapsed)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Debug(ctx, "fetch failed",
			logging.String("endpoint", endpoint),
			logging.String("request_id", reqID),
			logging.Duration("elapsed", elapsed),
			logging.Err(err),
		)
		return nil, err
	}
	c.log.Debug(ctx, "fetched",
		logging.String("endpoint", endpoint),
		logging.String("request_id", reqID),
		logging.Int("bytes", len(body)),
		logging.Duration("elapsed", elapsed),
	)
	return body, nil
}

func (c *Client) roundTrip(ctx context.Context, endpoint, target, reqID string, span trace.Span) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &Error{Op: endpoint, URL: target, Category: CategoryNetwork, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: endpoint, URL: target, Category: CategoryNetwork, Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Op: endpoint, URL: target, StatusCode: resp.StatusCode, Category: CategoryNetwork, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Op:         endpoint,
			URL:        target,
			StatusCode: resp.StatusCode,
			Category:   CategoryNetwork,
			Err:        fmt.Errorf("unexpected status %s: %s", resp.Status, snippet(body)),
		}
	}
	return body, nil
}

func (c *Client) decode(endpoint, path string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return &Error{Op: endpoint, URL: c.base.JoinPath(path).String(), Category: CategoryParse, Err: err}
	}
	return nil
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}

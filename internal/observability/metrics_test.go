package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestViewerCollectorRecordsFetches(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewViewerCollector(reg)
	if err != nil {
		t.Fatalf("NewViewerCollector: %v", err)
	}

	collector.ObserveFetch("positions", "ok", 40*time.Millisecond)
	collector.ObserveFetch("positions", "ok", 60*time.Millisecond)
	collector.ObserveFetch("positions", "network", time.Millisecond)

	if got := testutil.ToFloat64(collector.FetchRequests.WithLabelValues("positions", "ok")); got != 2 {
		t.Fatalf("viewer_fetch_requests_total{ok} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.FetchRequests.WithLabelValues("positions", "network")); got != 1 {
		t.Fatalf("viewer_fetch_requests_total{network} = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "viewer_fetch_duration_seconds", map[string]string{
		"endpoint": "positions",
	}); count != 3 {
		t.Fatalf("viewer_fetch_duration_seconds sample_count = %d, want 3", count)
	}
}

func TestViewerCollectorReconcileAndGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewViewerCollector(reg)
	if err != nil {
		t.Fatalf("NewViewerCollector: %v", err)
	}

	collector.ObserveReconcile(3, 0, 0, 0)
	collector.ObserveReconcile(1, 2, 1, 0)
	collector.SetRenderedEntities(3)
	collector.SetFrameTime(20 * time.Millisecond)
	collector.IncStaleResponses()
	collector.ObserveCacheLookup("hit")
	collector.ObserveStreamEvent("sse", "dropped")

	if got := testutil.ToFloat64(collector.ReconcileOps.WithLabelValues("add")); got != 4 {
		t.Fatalf("add ops = %v, want 4", got)
	}
	if got := testutil.ToFloat64(collector.ReconcileOps.WithLabelValues("remove")); got != 1 {
		t.Fatalf("remove ops = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.RenderedEntities); got != 3 {
		t.Fatalf("rendered entities = %v, want 3", got)
	}
	if got := testutil.ToFloat64(collector.FramesPerSecond); got != 50 {
		t.Fatalf("fps = %v, want 50", got)
	}
	if got := testutil.ToFloat64(collector.StaleResponses); got != 1 {
		t.Fatalf("stale responses = %v, want 1", got)
	}
}

func TestViewerCollectorReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewViewerCollector(reg)
	if err != nil {
		t.Fatalf("first NewViewerCollector: %v", err)
	}
	second, err := NewViewerCollector(reg)
	if err != nil {
		t.Fatalf("second NewViewerCollector: %v", err)
	}
	second.ObserveCacheLookup("miss")
	if got := testutil.ToFloat64(first.CacheLookups.WithLabelValues("miss")); got != 1 {
		t.Fatalf("shared counter = %v, want 1", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *ViewerCollector
	c.ObserveFetch("positions", "ok", time.Millisecond)
	c.ObserveCacheLookup("hit")
	c.ObserveReconcile(1, 1, 1, 1)
	c.SetFrameTime(time.Millisecond)
	c.SetRenderedEntities(1)
	c.IncStaleResponses()

	var s *SourceCollector
	s.ObservePropagation(time.Millisecond)
	s.StreamClientDelta(1)
	s.IncPublished()
}

func TestMetricsHandlerExposesViewerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewViewerCollector(reg)
	if err != nil {
		t.Fatalf("NewViewerCollector: %v", err)
	}
	collector.ObserveFetch("scenarios", "ok", time.Millisecond)
	collector.ObserveCacheLookup("hit")
	collector.ObserveStreamEvent("ws", "applied")
	collector.ObserveReconcile(1, 0, 0, 0)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"viewer_fetch_requests_total",
		"viewer_fetch_duration_seconds",
		"viewer_cache_lookups_total",
		"viewer_stream_events_total",
		"viewer_reconcile_operations_total",
		"viewer_rendered_entities",
		"viewer_frame_time_seconds",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestSourceMiddlewareRecordsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSourceCollector(reg)
	if err != nil {
		t.Fatalf("NewSourceCollector: %v", err)
	}

	h := collector.Middleware("positions", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/scenarios/x/positions", nil))

	if got := testutil.ToFloat64(collector.HTTPRequests.WithLabelValues("positions", "GET", "404")); got != 1 {
		t.Fatalf("devsource_http_requests_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "devsource_http_duration_seconds", map[string]string{
		"route": "positions",
	}); count != 1 {
		t.Fatalf("devsource_http_duration_seconds sample_count = %d, want 1", count)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}

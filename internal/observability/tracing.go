package observability

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/constellation-viewer/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span name prefixes that fire on every refresh or poll. They are sampled at
// TracingConfig.HighRateRatio so a long session does not flood the exporter.
var HighRateSpanPrefixes = []string{"fetch.", "devsource."}

// DefaultHighRateRatio is the sample ratio for high-rate spans when
// VIEWER_TRACING_HIGH_RATE_RATIO is unset.
const DefaultHighRateRatio = 0.05

// TracingConfig governs how tracing is initialised.
type TracingConfig struct {
	Enabled       bool
	ServiceName   string
	Exporter      string // stdout | otlp
	Endpoint      string // used when Exporter == otlp
	SampleRatio   float64
	HighRateRatio float64

	// Attributes are added to the tracer resource, e.g. the scenario and
	// transport a viewer session is bound to.
	Attributes []attribute.KeyValue
}

// TracingConfigFromEnv pulls tracing configuration from VIEWER_TRACING_*
// environment variables, using service as the default service name.
func TracingConfigFromEnv(service string, attrs ...attribute.KeyValue) TracingConfig {
	enabled := strings.EqualFold(os.Getenv("VIEWER_TRACING_ENABLED"), "true")
	exporter := strings.ToLower(os.Getenv("VIEWER_TRACING_EXPORTER"))
	if exporter == "" {
		exporter = "stdout"
	}
	if name := os.Getenv("VIEWER_TRACING_SERVICE_NAME"); name != "" {
		service = name
	}
	if service == "" {
		service = "constellation-viewer"
	}

	return TracingConfig{
		Enabled:       enabled,
		ServiceName:   service,
		Exporter:      exporter,
		Endpoint:      os.Getenv("VIEWER_OTLP_ENDPOINT"),
		SampleRatio:   ratioFromEnv("VIEWER_TRACING_SAMPLE_RATIO", 1),
		HighRateRatio: ratioFromEnv("VIEWER_TRACING_HIGH_RATE_RATIO", DefaultHighRateRatio),
		Attributes:    attrs,
	}
}

func ratioFromEnv(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed < 0 || parsed > 1 {
		return def
	}
	return parsed
}

// spanRateSampler samples root spans whose names start with one of the
// high-rate prefixes at a separate, usually lower, ratio.
type spanRateSampler struct {
	prefixes []string
	highRate sdktrace.Sampler
	base     sdktrace.Sampler
}

// NewSpanRateSampler returns a parent-based sampler that applies highRate to
// root spans named with one of prefixes and ratio to every other root span.
func NewSpanRateSampler(ratio, highRate float64, prefixes ...string) sdktrace.Sampler {
	return sdktrace.ParentBased(spanRateSampler{
		prefixes: prefixes,
		highRate: sdktrace.TraceIDRatioBased(highRate),
		base:     sdktrace.TraceIDRatioBased(ratio),
	})
}

func (s spanRateSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, prefix := range s.prefixes {
		if strings.HasPrefix(p.Name, prefix) {
			return s.highRate.ShouldSample(p)
		}
	}
	return s.base.ShouldSample(p)
}

func (s spanRateSampler) Description() string {
	return fmt.Sprintf("SpanRate{%s,high_rate:%s}", s.base.Description(), s.highRate.Description())
}

// TracingResource describes the process emitting spans. Each process gets its
// own service.instance.id so concurrent viewers on one host stay apart.
func TracingResource(ctx context.Context, cfg TracingConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "constellation-viewer"),
		attribute.String("service.instance.id", logging.NewID()),
	}
	attrs = append(attrs, cfg.Attributes...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...), resource.WithHost())
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

// InitTracing wires a tracer provider, exporter, propagators, and sampler based
// on the provided configuration. It returns a shutdown function to flush spans.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Info(ctx, "tracing disabled; using noop tracer provider")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := exporterFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := TracingResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sampler := NewSpanRateSampler(cfg.SampleRatio, cfg.HighRateRatio, HighRateSpanPrefixes...)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.String("sampler", sampler.Description()),
	)

	return tp.Shutdown, nil
}

func exporterFromConfig(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		return stdouttrace.New(
			stdouttrace.WithWriter(os.Stdout),
			stdouttrace.WithPrettyPrint(),
			stdouttrace.WithoutTimestamps(),
		)
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		return otlptrace.New(ctx, client)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// ShutdownWithTimeout invokes the provided shutdown function with a bounded
// timeout, swallowing errors in the shutdown path.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}

// Package config loads viewer and dev data source settings from the
// environment, an optional .env file and command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Transport selects how the viewer receives position sets.
type Transport string

const (
	TransportPoll      Transport = "poll"
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "ws"
	TransportNATS      Transport = "nats"
)

func (t Transport) valid() bool {
	switch t {
	case TransportPoll, TransportSSE, TransportWebSocket, TransportNATS:
		return true
	}
	return false
}

// Defaults.
const (
	DefaultSourceURL        = "http://localhost:8000/api"
	DefaultScenario         = "mixed"
	DefaultCacheTTL         = 5 * time.Second
	DefaultThrottleInterval = 100 * time.Millisecond
	DefaultFrameInterval    = time.Second / 60
	DefaultSpeed            = 60.0
	DefaultPlaybackDuration = 24 * time.Hour
	DefaultRequestTimeout   = 10 * time.Second
	DefaultMetricsAddr      = ":9090"
	DefaultHealthAddr       = ":9091"
	DefaultStatusInterval   = 10 * time.Second
	DefaultNATSSubject      = "positions"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Viewer holds the headless viewer daemon settings.
type Viewer struct {
	SourceURL string
	Scenario  string
	Transport Transport
	StreamURL string // overrides the stream endpoint derived from SourceURL
	NATSURL   string
	// NATSSubject is the subject prefix; the scenario id is appended.
	NATSSubject string

	CacheTTL  time.Duration
	RedisAddr string // optional shared cache tier

	ThrottleInterval time.Duration
	FrameInterval    time.Duration
	Speed            float64
	Duration         time.Duration
	ChunkSize        int // 0 disables chunked resolution
	RequestTimeout   time.Duration

	ShowLabels       bool
	ColorByOrbitType bool
	SatelliteScale   float64

	MetricsAddr    string
	HealthAddr     string
	StatusInterval time.Duration
	Autoplay       bool
}

// Source holds the dev data source settings.
type Source struct {
	Addr            string
	TLEFile         string
	NATSURL         string
	NATSSubject     string
	PublishInterval time.Duration
	StreamInterval  time.Duration
	CacheTTL        time.Duration
}

// LoadViewer reads an optional .env file and VIEWER_* variables. Missing
// variables fall back to defaults; malformed ones are reported.
func LoadViewer(envFiles ...string) (Viewer, error) {
	loadDotEnv(envFiles...)

	var r reader
	cfg := Viewer{
		SourceURL:        r.str("VIEWER_SOURCE_URL", DefaultSourceURL),
		Scenario:         r.str("VIEWER_SCENARIO", DefaultScenario),
		Transport:        Transport(strings.ToLower(r.str("VIEWER_TRANSPORT", string(TransportPoll)))),
		StreamURL:        r.str("VIEWER_STREAM_URL", ""),
		NATSURL:          r.str("VIEWER_NATS_URL", "nats://localhost:4222"),
		NATSSubject:      r.str("VIEWER_NATS_SUBJECT", DefaultNATSSubject),
		CacheTTL:         r.duration("VIEWER_CACHE_TTL", DefaultCacheTTL),
		RedisAddr:        r.str("VIEWER_REDIS_ADDR", ""),
		ThrottleInterval: r.duration("VIEWER_THROTTLE_INTERVAL", DefaultThrottleInterval),
		FrameInterval:    r.duration("VIEWER_FRAME_INTERVAL", DefaultFrameInterval),
		Speed:            r.floatVal("VIEWER_SPEED", DefaultSpeed),
		Duration:         r.duration("VIEWER_PLAYBACK_DURATION", DefaultPlaybackDuration),
		ChunkSize:        r.intVal("VIEWER_CHUNK_SIZE", 0),
		RequestTimeout:   r.duration("VIEWER_REQUEST_TIMEOUT", DefaultRequestTimeout),
		ShowLabels:       r.boolVal("VIEWER_SHOW_LABELS", false),
		ColorByOrbitType: r.boolVal("VIEWER_COLOR_BY_ORBIT", true),
		SatelliteScale:   r.floatVal("VIEWER_SATELLITE_SCALE", 1),
		MetricsAddr:      r.str("VIEWER_METRICS_ADDR", DefaultMetricsAddr),
		HealthAddr:       r.str("VIEWER_HEALTH_ADDR", DefaultHealthAddr),
		StatusInterval:   r.duration("VIEWER_STATUS_INTERVAL", DefaultStatusInterval),
		Autoplay:         r.boolVal("VIEWER_AUTOPLAY", true),
	}
	if err := r.err(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// RegisterFlags binds command-line flags to cfg, using its current values as
// defaults. Call Validate after parsing.
func (cfg *Viewer) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.SourceURL, "source", cfg.SourceURL, "data source base URL")
	fs.StringVar(&cfg.Scenario, "scenario", cfg.Scenario, "scenario id to display")
	fs.Func("transport", "poll, sse, ws or nats (default "+string(cfg.Transport)+")", func(s string) error {
		cfg.Transport = Transport(strings.ToLower(s))
		return nil
	})
	fs.StringVar(&cfg.StreamURL, "stream-url", cfg.StreamURL, "stream endpoint override")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server URL for the nats transport")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "request cache TTL")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "optional Redis address for the shared cache tier")
	fs.DurationVar(&cfg.ThrottleInterval, "throttle", cfg.ThrottleInterval, "minimum interval between clock-driven fetches")
	fs.DurationVar(&cfg.FrameInterval, "frame-interval", cfg.FrameInterval, "display frame interval")
	fs.Float64Var(&cfg.Speed, "speed", cfg.Speed, "playback speed multiplier")
	fs.DurationVar(&cfg.Duration, "duration", cfg.Duration, "playback timeline length")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "records per chunk; 0 fetches whole sets")
	fs.BoolVar(&cfg.ShowLabels, "labels", cfg.ShowLabels, "show satellite labels")
	fs.BoolVar(&cfg.ColorByOrbitType, "color-by-orbit", cfg.ColorByOrbitType, "color markers by orbit type")
	fs.Float64Var(&cfg.SatelliteScale, "scale", cfg.SatelliteScale, "marker size multiplier")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "gRPC health listen address")
	fs.BoolVar(&cfg.Autoplay, "autoplay", cfg.Autoplay, "start playback immediately")
}

// Validate reports every invalid setting at once.
func (cfg Viewer) Validate() error {
	var errs []error
	if cfg.SourceURL == "" {
		errs = append(errs, errors.New("source URL is required"))
	}
	if cfg.Scenario == "" {
		errs = append(errs, errors.New("scenario is required"))
	}
	if !cfg.Transport.valid() {
		errs = append(errs, fmt.Errorf("unknown transport %q", cfg.Transport))
	}
	if cfg.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache TTL must be positive, got %v", cfg.CacheTTL))
	}
	if cfg.ThrottleInterval <= 0 {
		errs = append(errs, fmt.Errorf("throttle interval must be positive, got %v", cfg.ThrottleInterval))
	}
	if cfg.FrameInterval <= 0 {
		errs = append(errs, fmt.Errorf("frame interval must be positive, got %v", cfg.FrameInterval))
	}
	if cfg.Speed <= 0 {
		errs = append(errs, fmt.Errorf("speed must be positive, got %v", cfg.Speed))
	}
	if cfg.Duration <= 0 {
		errs = append(errs, fmt.Errorf("playback duration must be positive, got %v", cfg.Duration))
	}
	if cfg.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("chunk size must not be negative, got %d", cfg.ChunkSize))
	}
	if cfg.SatelliteScale <= 0 {
		errs = append(errs, fmt.Errorf("satellite scale must be positive, got %v", cfg.SatelliteScale))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// LoadSource reads an optional .env file and DEVSOURCE_* variables.
func LoadSource(envFiles ...string) (Source, error) {
	loadDotEnv(envFiles...)

	var r reader
	cfg := Source{
		Addr:            r.str("DEVSOURCE_ADDR", ":8000"),
		TLEFile:         r.str("DEVSOURCE_TLE_FILE", ""),
		NATSURL:         r.str("DEVSOURCE_NATS_URL", ""),
		NATSSubject:     r.str("DEVSOURCE_NATS_SUBJECT", DefaultNATSSubject),
		PublishInterval: r.duration("DEVSOURCE_PUBLISH_INTERVAL", time.Second),
		StreamInterval:  r.duration("DEVSOURCE_STREAM_INTERVAL", time.Second),
		CacheTTL:        r.duration("DEVSOURCE_TLE_CACHE_TTL", time.Hour),
	}
	if err := r.err(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// RegisterFlags binds command-line flags to cfg.
func (cfg *Source) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.TLEFile, "tle-file", cfg.TLEFile, "optional 3-line TLE file served as an extra scenario")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "publish position sets to this NATS server")
	fs.DurationVar(&cfg.PublishInterval, "publish-interval", cfg.PublishInterval, "NATS publish interval")
	fs.DurationVar(&cfg.StreamInterval, "stream-interval", cfg.StreamInterval, "SSE and WebSocket push interval")
}

// Validate reports every invalid setting at once.
func (cfg Source) Validate() error {
	var errs []error
	if cfg.Addr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if cfg.PublishInterval <= 0 {
		errs = append(errs, fmt.Errorf("publish interval must be positive, got %v", cfg.PublishInterval))
	}
	if cfg.StreamInterval <= 0 {
		errs = append(errs, fmt.Errorf("stream interval must be positive, got %v", cfg.StreamInterval))
	}
	if cfg.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("TLE cache TTL must be positive, got %v", cfg.CacheTTL))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// loadDotEnv loads the given files, or ./.env when none are named. Missing
// files are not an error; existing environment variables win.
func loadDotEnv(files ...string) {
	_ = godotenv.Load(files...)
}

type reader struct {
	errs []error
}

func (r *reader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) floatVal(key string, def float64) float64 {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (r *reader) intVal(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *reader) boolVal(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (r *reader) err() error {
	if len(r.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(r.errs...))
}

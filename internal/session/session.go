// Package session wires the playback clock, the fetch pipeline or a stream
// source, and the reconciliation engine into one viewer session.
//
// All render work happens on the scheduler loop. Network I/O runs on its own
// goroutines and posts results back to the loop, where a monotonic request
// token discards responses that arrive after a newer one was applied.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/constellation-viewer/internal/logging"
	"github.com/signalsfoundry/constellation-viewer/internal/observability"
	"github.com/signalsfoundry/constellation-viewer/internal/reconcile"
	"github.com/signalsfoundry/constellation-viewer/internal/render"
	"github.com/signalsfoundry/constellation-viewer/internal/stream"
	"github.com/signalsfoundry/constellation-viewer/model"
	"github.com/signalsfoundry/constellation-viewer/timectrl"
)

var (
	// ErrNoScenario is returned when a session has no scenario to show.
	ErrNoScenario = errors.New("session: scenario id is required")
	// ErrNoResolver is returned when neither a resolver nor a stream source
	// is configured.
	ErrNoResolver = errors.New("session: a resolver or a stream source is required")
	// ErrStreamScenario is returned by SetScenario in stream mode, where the
	// scenario is bound to the source.
	ErrStreamScenario = errors.New("session: scenario is fixed by the stream source")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")
)

// Resolver produces the position set of a scenario at a timeline offset.
// *fetch.Client and fetch.ChunkedResolver implement it.
type Resolver interface {
	Resolve(ctx context.Context, scenarioID string, offset time.Duration) (model.PositionSet, error)
}

// MetricsRecorder counts responses discarded as stale.
type MetricsRecorder interface {
	IncStaleResponses()
}

// Config holds the session parameters.
type Config struct {
	ScenarioID       string
	ThrottleInterval time.Duration
	Speed            float64
	Duration         time.Duration
	Settings         reconcile.Settings
	Autoplay         bool
}

// Stats is a point-in-time view of the session.
type Stats struct {
	ScenarioID        string
	Clock             timectrl.ClockState
	Resolves          uint64
	Applied           uint64
	Stale             uint64
	Failures          uint64
	StreamEvents      uint64
	Entities          int
	ThrottleEmitted   uint64
	ThrottleCoalesced uint64
	Frames            observability.FrameStats
}

// Session is one running view of a scenario.
type Session struct {
	id       string
	cfg      Config
	sched    timectrl.Scheduler
	resolver Resolver
	source   stream.Source
	picker   render.Picker
	frames   *observability.FrameRecorder
	metrics  MetricsRecorder
	log      logging.Logger

	clock      *timectrl.PlaybackClock
	throttle   *timectrl.Throttle[time.Duration]
	engine     *reconcile.Engine
	engineOpts []reconcile.Option

	alive   atomic.Bool
	closed  atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	cancels []func()

	mu           sync.Mutex
	scenarioID   string
	settings     reconcile.Settings
	nextToken    uint64
	appliedToken uint64
	lastSet      model.PositionSet
	hasSet       bool
	lastErr      error
	stats        Stats
}

// Option customises a Session.
type Option func(*Session)

// WithResolver selects polling mode: clock changes are throttled and resolved
// through r.
func WithResolver(r Resolver) Option {
	return func(s *Session) { s.resolver = r }
}

// WithStream selects stream mode: events from src are rendered as they
// arrive. A duplex source also receives seeks and pause/resume.
func WithStream(src stream.Source) Option {
	return func(s *Session) { s.source = src }
}

// WithPicker subscribes to pick events; picking a marker or label selects its
// satellite. A surface that implements render.Picker is used by default.
func WithPicker(p render.Picker) Option {
	return func(s *Session) { s.picker = p }
}

// WithFrameRecorder replaces the session frame recorder.
func WithFrameRecorder(fr *observability.FrameRecorder) Option {
	return func(s *Session) {
		if fr != nil {
			s.frames = fr
		}
	}
}

// WithMetrics reports stale responses to m.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Session) { s.metrics = m }
}

// WithEngineOptions passes options to the reconciliation engine.
func WithEngineOptions(opts ...reconcile.Option) Option {
	return func(s *Session) { s.engineOpts = append(s.engineOpts, opts...) }
}

// WithLogger sets the session logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// New builds a stopped session drawing on surface and driven by sched.
func New(cfg Config, sched timectrl.Scheduler, surface render.Surface, opts ...Option) (*Session, error) {
	if cfg.ScenarioID == "" {
		return nil, ErrNoScenario
	}
	if cfg.Settings == (reconcile.Settings{}) {
		cfg.Settings = reconcile.DefaultSettings()
	}
	s := &Session{
		id:         logging.NewID(),
		cfg:        cfg,
		sched:      sched,
		frames:     observability.NewFrameRecorder(),
		log:        logging.Noop(),
		scenarioID: cfg.ScenarioID,
		settings:   cfg.Settings,
	}
	if p, ok := surface.(render.Picker); ok {
		s.picker = p
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.resolver == nil && s.source == nil {
		return nil, ErrNoResolver
	}

	s.engine = reconcile.NewEngine(surface, append([]reconcile.Option{reconcile.WithLogger(s.log)}, s.engineOpts...)...)
	s.clock = timectrl.NewPlaybackClock(sched,
		timectrl.WithSpeed(cfg.Speed),
		timectrl.WithDuration(cfg.Duration),
	)
	s.throttle = timectrl.NewThrottle(sched, cfg.ThrottleInterval, s.resolve)
	return s, nil
}

// ID returns the session id attached to log records.
func (s *Session) ID() string { return s.id }

// Clock exposes the playback clock.
func (s *Session) Clock() *timectrl.PlaybackClock { return s.clock }

// Start connects the session. In polling mode it requests the set at the
// current offset; in stream mode it starts the source. It may be called once.
func (s *Session) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.cancel != nil {
		return errors.New("session: already started")
	}
	ctx = logging.ContextWithSessionID(ctx, s.id)
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.alive.Store(true)

	s.cancels = append(s.cancels, s.clock.OnChange(s.onClockChange))
	s.cancels = append(s.cancels, s.frames.Attach(s.sched))
	if s.picker != nil {
		s.cancels = append(s.cancels, s.picker.OnPick(s.onPick))
	}

	if s.source != nil {
		if err := s.source.Start(s.ctx, s.onStreamEvent, s.onStreamError); err != nil {
			s.Close()
			return err
		}
		s.log.Info(s.ctx, "session streaming",
			logging.String("scenario_id", s.cfg.ScenarioID),
			logging.String("transport", s.source.Transport()),
		)
	} else {
		s.throttle.Push(s.clock.Current())
		s.log.Info(s.ctx, "session polling",
			logging.String("scenario_id", s.cfg.ScenarioID),
			logging.Duration("throttle", s.throttle.Interval()),
		)
	}
	if s.cfg.Autoplay {
		s.clock.Play()
	}
	return nil
}

// Close tears the session down: the clock frame, the throttle timer, the
// frame observer, the pick subscription and the stream source are cancelled
// and every render handle is released. Responses still in flight are
// dropped when they arrive. Close must run on the scheduler loop or after
// the loop has stopped.
func (s *Session) Close() {
	s.closed.Store(true)
	if !s.alive.CompareAndSwap(true, false) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.clock.Close()
	s.throttle.Close()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	if s.source != nil {
		if err := s.source.Close(); err != nil {
			s.log.Warn(s.ctx, "closing stream source", logging.Err(err))
		}
	}
	s.engine.Close()
	s.frames.SetEntityCount(0)
	s.log.Info(s.ctx, "session closed", logging.String("scenario_id", s.ScenarioID()))
}

// Play starts the clock.
func (s *Session) Play() { s.clock.Play() }

// Pause stops the clock.
func (s *Session) Pause() { s.clock.Pause() }

// Reset pauses and rewinds the clock.
func (s *Session) Reset() { s.clock.Reset() }

// Seek jumps the clock, clamped to the timeline.
func (s *Session) Seek(offset time.Duration) { s.clock.Seek(offset) }

// SetSpeed changes the playback multiplier.
func (s *Session) SetSpeed(speed float64) error { return s.clock.SetSpeed(speed) }

// SetScenario switches the scenario in polling mode. Render state of the
// previous scenario stays until the first set of the new one arrives.
func (s *Session) SetScenario(id string) error {
	if id == "" {
		return ErrNoScenario
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if s.source != nil {
		return ErrStreamScenario
	}
	s.mu.Lock()
	changed := s.scenarioID != id
	s.scenarioID = id
	s.mu.Unlock()
	if changed {
		s.throttle.Push(s.clock.Current())
	}
	return nil
}

// ScenarioID returns the scenario being shown.
func (s *Session) ScenarioID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scenarioID
}

// Settings returns the current visualization settings.
func (s *Session) Settings() reconcile.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateSettings replaces the visualization settings and re-renders the last
// set without fetching.
func (s *Session) UpdateSettings(settings reconcile.Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	s.sched.Post(s.reapply)
}

// Select highlights id and flies the camera to it if it is shown. An empty
// id clears the selection.
func (s *Session) Select(id string) {
	s.mu.Lock()
	s.settings.SelectedID = id
	s.mu.Unlock()
	s.sched.Post(s.reapply)
}

// LastError returns the most recent fetch or stream failure that was not
// followed by a successful update.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// LastSet returns the last applied position set.
func (s *Session) LastSet() (model.PositionSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSet, s.hasSet
}

// Frames returns the frame and fetch timings.
func (s *Session) Frames() observability.FrameStats { return s.frames.Snapshot() }

// Stats returns counters for the session.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := s.stats
	st.ScenarioID = s.scenarioID
	s.mu.Unlock()

	st.Clock = s.clock.State()
	st.ThrottleEmitted, st.ThrottleCoalesced = s.throttle.Stats()
	st.Frames = s.frames.Snapshot()
	return st
}

func (s *Session) onClockChange(change timectrl.Change, st timectrl.ClockState) {
	if !s.alive.Load() {
		return
	}
	if s.source != nil {
		s.forwardToSource(change, st)
		return
	}
	switch change {
	case timectrl.ChangeTick, timectrl.ChangeSeek, timectrl.ChangeReset, timectrl.ChangeDuration:
		s.throttle.Push(st.Current)
	}
}

func (s *Session) forwardToSource(change timectrl.Change, st timectrl.ClockState) {
	ctrl, ok := s.source.(stream.Controller)
	if !ok {
		return
	}
	var err error
	switch change {
	case timectrl.ChangeSeek, timectrl.ChangeReset:
		err = ctrl.Seek(st.Current)
	case timectrl.ChangePause:
		err = ctrl.Pause()
	case timectrl.ChangePlay:
		err = ctrl.Resume()
	}
	if err != nil {
		s.log.Warn(s.ctx, "stream control failed",
			logging.String("change", change.String()),
			logging.Err(err),
		)
	}
}

// resolve is the throttle's emit function.
func (s *Session) resolve(offset time.Duration) {
	if !s.alive.Load() {
		return
	}
	s.mu.Lock()
	s.nextToken++
	token := s.nextToken
	scenarioID := s.scenarioID
	s.stats.Resolves++
	s.mu.Unlock()

	ctx := s.ctx
	go func() {
		start := time.Now()
		set, err := s.resolver.Resolve(ctx, scenarioID, offset)
		latency := time.Since(start)
		s.sched.Post(func() { s.complete(token, scenarioID, set, err, latency) })
	}()
}

func (s *Session) complete(token uint64, scenarioID string, set model.PositionSet, err error, latency time.Duration) {
	if !s.alive.Load() {
		return
	}
	s.frames.ObserveFetch(latency)

	s.mu.Lock()
	stale := token <= s.appliedToken || scenarioID != s.scenarioID
	if err != nil {
		if !stale && !errors.Is(err, context.Canceled) {
			s.lastErr = err
			s.stats.Failures++
		}
		s.mu.Unlock()
		if !stale {
			s.log.Warn(s.ctx, "resolve failed; keeping last set",
				logging.String("scenario_id", scenarioID),
				logging.Duration("latency", latency),
				logging.Err(err),
			)
		}
		return
	}
	if stale {
		s.stats.Stale++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.IncStaleResponses()
		}
		s.log.Debug(s.ctx, "discarding stale response",
			logging.String("scenario_id", scenarioID),
			logging.Any("token", token),
		)
		return
	}
	s.appliedToken = token
	s.mu.Unlock()

	s.apply(set)
}

func (s *Session) onStreamEvent(set model.PositionSet) {
	s.sched.Post(func() {
		if !s.alive.Load() {
			return
		}
		s.mu.Lock()
		if set.ScenarioID != "" && set.ScenarioID != s.scenarioID {
			s.mu.Unlock()
			return
		}
		s.stats.StreamEvents++
		s.mu.Unlock()
		s.apply(set)
	})
}

func (s *Session) onStreamError(err error) {
	s.sched.Post(func() {
		if !s.alive.Load() {
			return
		}
		s.mu.Lock()
		s.lastErr = err
		s.stats.Failures++
		s.mu.Unlock()
	})
}

func (s *Session) onPick(h render.Handle) {
	s.sched.Post(func() {
		if !s.alive.Load() {
			return
		}
		id, ok := s.engine.Owner(h)
		if !ok {
			return
		}
		s.mu.Lock()
		s.settings.SelectedID = id
		s.mu.Unlock()
		s.reapply()
	})
}

// apply runs on the loop.
func (s *Session) apply(set model.PositionSet) {
	s.mu.Lock()
	settings := s.settings
	s.lastSet = set
	s.hasSet = true
	s.lastErr = nil
	s.stats.Applied++
	s.mu.Unlock()

	s.engine.Apply(set, settings)
	n := s.engine.Len()
	s.frames.SetEntityCount(n)

	s.mu.Lock()
	s.stats.Entities = n
	s.mu.Unlock()
}

func (s *Session) reapply() {
	if !s.alive.Load() {
		return
	}
	s.mu.Lock()
	set, ok := s.lastSet, s.hasSet
	settings := s.settings
	s.mu.Unlock()
	if !ok {
		return
	}
	s.engine.Apply(set, settings)
}

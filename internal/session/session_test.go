package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalsfoundry/constellation-viewer/internal/reconcile"
	"github.com/signalsfoundry/constellation-viewer/internal/render"
	"github.com/signalsfoundry/constellation-viewer/internal/stream"
	"github.com/signalsfoundry/constellation-viewer/model"
	"github.com/signalsfoundry/constellation-viewer/timectrl"
)

var testEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// frame is a 60 fps frame rounded up to the microsecond, so six frames reach
// a 100ms throttle window.
const frame = 16667 * time.Microsecond

func positions(scenarioID string, offset time.Duration, ids ...string) model.PositionSet {
	set := model.PositionSet{ScenarioID: scenarioID, TimeOffset: offset}
	for i, id := range ids {
		set.Records = append(set.Records, model.PositionRecord{
			ID:        id,
			OrbitType: model.OrbitLEO,
			Longitude: float64(i) * 10,
			Altitude:  550_000,
		})
	}
	return set
}

type staticResolver struct {
	ids   []string
	calls atomic.Int64
	fail  atomic.Bool
}

func (r *staticResolver) Resolve(_ context.Context, scenarioID string, offset time.Duration) (model.PositionSet, error) {
	r.calls.Add(1)
	if r.fail.Load() {
		return model.PositionSet{}, errors.New("data source unavailable")
	}
	return positions(scenarioID, offset, r.ids...), nil
}

type gatedCall struct {
	offset  time.Duration
	release chan model.PositionSet
}

type gatedResolver struct {
	started chan gatedCall
}

func newGatedResolver() *gatedResolver {
	return &gatedResolver{started: make(chan gatedCall, 16)}
}

func (r *gatedResolver) Resolve(ctx context.Context, scenarioID string, offset time.Duration) (model.PositionSet, error) {
	call := gatedCall{offset: offset, release: make(chan model.PositionSet, 1)}
	r.started <- call
	select {
	case set := <-call.release:
		return set, nil
	case <-ctx.Done():
		return model.PositionSet{}, ctx.Err()
	}
}

func (r *gatedResolver) next(t *testing.T) gatedCall {
	t.Helper()
	select {
	case c := <-r.started:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a resolve")
	}
	return gatedCall{}
}

type staleCounter struct{ n atomic.Int64 }

func (c *staleCounter) IncStaleResponses() { c.n.Add(1) }

// waitFor drains posted work until cond holds.
func waitFor(t *testing.T, sched *timectrl.ManualScheduler, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sched.Drain()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPlaybackResolvesAreThrottled(t *testing.T) {
	sched := timectrl.NewManualScheduler(testEpoch)
	surface := render.NewMemorySurface()
	resolver := &staticResolver{ids: []string{"A", "B", "C"}}

	s, err := New(Config{
		ScenarioID:       "mixed",
		ThrottleInterval: 100 * time.Millisecond,
		Speed:            60,
		Autoplay:         true,
	}, sched, surface, WithResolver(resolver))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	for i := 0; i < 120; i++ {
		sched.Step(frame)
	}
	waitFor(t, sched, "three markers", func() bool { return surface.MarkerCount() == 3 })

	st := s.Stats()
	if st.Resolves < 19 || st.Resolves > 23 {
		t.Fatalf("Resolves = %d over 120 frames, want about 20", st.Resolves)
	}
	if !st.Clock.Playing {
		t.Fatalf("clock not playing")
	}
	// 120 frames of 1/60 s at speed 60 is two simulated minutes.
	if got := st.Clock.Current; got < 119*time.Second || got > 121*time.Second {
		t.Fatalf("clock = %v, want about 2m", got)
	}
	if st.ThrottleCoalesced == 0 {
		t.Fatalf("ThrottleCoalesced = 0, want frame pushes coalesced")
	}
	if fps := st.Frames.FPS; fps < 55 || fps > 65 {
		t.Fatalf("FPS = %.1f, want about 60", fps)
	}
	waitFor(t, sched, "all resolves", func() bool { return resolver.calls.Load() == int64(st.Resolves) })
}

func TestStaleResponsesAreDiscarded(t *testing.T) {
	sched := timectrl.NewManualScheduler(testEpoch)
	surface := render.NewMemorySurface()
	resolver := newGatedResolver()
	stale := &staleCounter{}

	s, err := New(Config{ScenarioID: "gps", ThrottleInterval: 100 * time.Millisecond}, sched, surface,
		WithResolver(resolver), WithMetrics(stale))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	first := resolver.next(t)
	s.Seek(10 * time.Minute)
	sched.Step(100 * time.Millisecond)
	second := resolver.next(t)
	if second.offset != 10*time.Minute {
		t.Fatalf("second resolve offset = %v, want 10m", second.offset)
	}

	second.release <- positions("gps", second.offset, "new-1", "new-2")
	waitFor(t, sched, "newer set", func() bool { return surface.MarkerCount() == 2 })

	first.release <- positions("gps", first.offset, "old-1")
	waitFor(t, sched, "stale count", func() bool { return s.Stats().Stale == 1 })

	set, _ := s.LastSet()
	if set.TimeOffset != 10*time.Minute || surface.MarkerCount() != 2 {
		t.Fatalf("last set offset = %v with %d markers, want the newer set", set.TimeOffset, surface.MarkerCount())
	}
	if stale.n.Load() != 1 {
		t.Fatalf("IncStaleResponses = %d, want 1", stale.n.Load())
	}
}

func TestFailureKeepsLastKnownGood(t *testing.T) {
	sched := timectrl.NewManualScheduler(testEpoch)
	surface := render.NewMemorySurface()
	resolver := &staticResolver{ids: []string{"A", "B", "C"}}

	s, err := New(Config{ScenarioID: "mixed"}, sched, surface, WithResolver(resolver))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()
	waitFor(t, sched, "initial set", func() bool { return surface.MarkerCount() == 3 })

	resolver.fail.Store(true)
	s.Seek(time.Hour)
	sched.Step(time.Second)
	waitFor(t, sched, "failure", func() bool { return s.LastError() != nil })
	if surface.MarkerCount() != 3 {
		t.Fatalf("markers after failure = %d, want 3", surface.MarkerCount())
	}
	if set, _ := s.LastSet(); set.TimeOffset != 0 {
		t.Fatalf("last set offset = %v, want the previous set", set.TimeOffset)
	}

	resolver.fail.Store(false)
	s.Seek(2 * time.Hour)
	sched.Step(time.Second)
	waitFor(t, sched, "recovery", func() bool { return s.LastError() == nil })
	if s.Stats().Failures != 1 {
		t.Fatalf("Failures = %d, want 1", s.Stats().Failures)
	}
}

func TestCloseTearsDown(t *testing.T) {
	sched := timectrl.NewManualScheduler(testEpoch)
	surface := render.NewMemorySurface()
	resolver := newGatedResolver()

	s, err := New(Config{ScenarioID: "mixed", Autoplay: true}, sched, surface, WithResolver(resolver))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := resolver.next(t)
	first.release <- positions("mixed", 0, "A", "B")
	waitFor(t, sched, "initial set", func() bool { return surface.MarkerCount() == 2 })

	// Leave a coalesced push waiting on the throttle timer.
	sched.Step(frame)
	sched.Step(frame)
	if sched.PendingTimers() == 0 {
		t.Fatalf("expected a pending throttle timer before Close")
	}

	s.Close()
	if n := sched.PendingFrames(); n != 0 {
		t.Fatalf("PendingFrames after Close = %d, want 0", n)
	}
	if n := sched.PendingTimers(); n != 0 {
		t.Fatalf("PendingTimers after Close = %d, want 0", n)
	}
	if surface.MarkerCount() != 0 || surface.LabelCount() != 0 {
		t.Fatalf("render handles leaked: %d markers, %d labels", surface.MarkerCount(), surface.LabelCount())
	}
	if surface.Subscribers() != 0 {
		t.Fatalf("pick subscribers after Close = %d, want 0", surface.Subscribers())
	}

	// A late response never reaches the surface.
	s.sched.Post(func() { s.complete(99, "mixed", positions("mixed", 0, "late"), nil, 0) })
	sched.Step(time.Second)
	if surface.MarkerCount() != 0 {
		t.Fatalf("late response rendered after Close")
	}
	if err := s.SetScenario("gps"); !errors.Is(err, ErrClosed) {
		t.Fatalf("SetScenario after Close = %v, want ErrClosed", err)
	}
	s.Close()
}

func TestSettingsAndSelection(t *testing.T) {
	sched := timectrl.NewManualScheduler(testEpoch)
	surface := render.NewMemorySurface()
	resolver := &staticResolver{ids: []string{"A", "B"}}

	s, err := New(Config{ScenarioID: "mixed"}, sched, surface, WithResolver(resolver))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()
	waitFor(t, sched, "initial set", func() bool { return surface.MarkerCount() == 2 })
	calls := resolver.calls.Load()

	settings := s.Settings()
	settings.ShowLabels = true
	s.UpdateSettings(settings)
	sched.Drain()
	if surface.VisibleLabels() != 2 {
		t.Fatalf("visible labels = %d, want 2", surface.VisibleLabels())
	}
	if resolver.calls.Load() != calls {
		t.Fatalf("settings change triggered a fetch")
	}

	s.Select("B")
	sched.Drain()
	got, ok := surface.LastFlyTo()
	if !ok || got.Target.Longitude != 10 {
		t.Fatalf("fly to = %+v, %v; want satellite B", got, ok)
	}

	// Picking A's marker selects A.
	marker, _, _ := s.engine.Handles("A")
	surface.Pick(marker)
	sched.Drain()
	if s.Settings().SelectedID != "A" {
		t.Fatalf("SelectedID = %q, want A", s.Settings().SelectedID)
	}
	h, _, _ := s.engine.Handles("A")
	if m, _ := surface.Marker(h); m.PixelSize != reconcile.SelectedMarkerSize {
		t.Fatalf("selected marker size = %v, want %v", m.PixelSize, reconcile.SelectedMarkerSize)
	}
}

func TestSetScenarioRefetches(t *testing.T) {
	sched := timectrl.NewManualScheduler(testEpoch)
	surface := render.NewMemorySurface()
	resolver := &staticResolver{ids: []string{"A"}}

	s, err := New(Config{ScenarioID: "mixed"}, sched, surface, WithResolver(resolver))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()
	waitFor(t, sched, "initial set", func() bool { return surface.MarkerCount() == 1 })

	if err := s.SetScenario("gps"); err != nil {
		t.Fatalf("SetScenario: %v", err)
	}
	sched.Step(time.Second)
	waitFor(t, sched, "gps set", func() bool {
		set, _ := s.LastSet()
		return set.ScenarioID == "gps"
	})
	if err := s.SetScenario(""); !errors.Is(err, ErrNoScenario) {
		t.Fatalf("SetScenario(\"\") = %v, want ErrNoScenario", err)
	}
}

func TestNewValidates(t *testing.T) {
	sched := timectrl.NewManualScheduler(testEpoch)
	surface := render.NewMemorySurface()
	if _, err := New(Config{}, sched, surface, WithResolver(&staticResolver{})); !errors.Is(err, ErrNoScenario) {
		t.Fatalf("New without scenario = %v, want ErrNoScenario", err)
	}
	if _, err := New(Config{ScenarioID: "x"}, sched, surface); !errors.Is(err, ErrNoResolver) {
		t.Fatalf("New without resolver = %v, want ErrNoResolver", err)
	}
}

type fakeSource struct {
	mu       sync.Mutex
	onEvent  stream.EventFunc
	onError  stream.ErrorFunc
	controls []string
	closed   bool
}

func (f *fakeSource) Start(_ context.Context, onEvent stream.EventFunc, onError stream.ErrorFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEvent, f.onError = onEvent, onError
	return nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) Transport() string { return "fake" }

func (f *fakeSource) record(c string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, c)
	return nil
}

func (f *fakeSource) Seek(offset time.Duration) error { return f.record(fmt.Sprintf("seek %v", offset)) }
func (f *fakeSource) Pause() error                    { return f.record("pause") }
func (f *fakeSource) Resume() error                   { return f.record("resume") }

func TestStreamMode(t *testing.T) {
	sched := timectrl.NewManualScheduler(testEpoch)
	surface := render.NewMemorySurface()
	src := &fakeSource{}

	s, err := New(Config{ScenarioID: "iridium"}, sched, surface, WithStream(src))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.onEvent(positions("iridium", 0, "A", "B", "C"))
	src.onEvent(positions("gps", 0, "X"))
	sched.Drain()
	if surface.MarkerCount() != 3 {
		t.Fatalf("markers = %d, want 3", surface.MarkerCount())
	}
	if s.Stats().StreamEvents != 1 {
		t.Fatalf("StreamEvents = %d, want 1", s.Stats().StreamEvents)
	}

	s.Play()
	s.Seek(5 * time.Minute)
	s.Pause()
	want := []string{"resume", "seek 5m0s", "pause"}
	src.mu.Lock()
	got := append([]string(nil), src.controls...)
	src.mu.Unlock()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("controls = %v, want %v", got, want)
	}

	if err := s.SetScenario("gps"); !errors.Is(err, ErrStreamScenario) {
		t.Fatalf("SetScenario in stream mode = %v, want ErrStreamScenario", err)
	}

	src.onError(errors.New("connection reset"))
	sched.Drain()
	if s.LastError() == nil {
		t.Fatalf("LastError = nil after stream failure")
	}
	if surface.MarkerCount() != 3 {
		t.Fatalf("markers after stream failure = %d, want 3", surface.MarkerCount())
	}

	s.Close()
	if !src.closed {
		t.Fatalf("source not closed")
	}
}

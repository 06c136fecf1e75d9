package observability

import (
	"sync"
	"time"

	"github.com/signalsfoundry/constellation-viewer/timectrl"
)

// DefaultFrameWindow is the number of inter-frame intervals averaged.
const DefaultFrameWindow = 60

// FrameSink receives derived frame values, typically the ViewerCollector.
type FrameSink interface {
	SetFrameTime(d time.Duration)
	SetRenderedEntities(n int)
}

// FrameStats is a read-only snapshot for display.
type FrameStats struct {
	FrameTime    time.Duration // moving average
	FPS          float64
	Samples      int
	FetchLatency time.Duration
	Entities     int
}

// FrameRecorder keeps a sliding window of inter-frame intervals and the most
// recent fetch latency and entity count. It only observes; nothing reads it
// to make scheduling or rendering decisions.
type FrameRecorder struct {
	mu        sync.Mutex
	window    []time.Duration
	next      int
	count     int
	sum       time.Duration
	lastFrame time.Time
	hasFrame  bool

	fetchLatency time.Duration
	entities     int

	sink FrameSink
}

// FrameOption customises a FrameRecorder.
type FrameOption func(*FrameRecorder)

// WithFrameWindow overrides the window size.
func WithFrameWindow(n int) FrameOption {
	return func(r *FrameRecorder) {
		if n > 0 {
			r.window = make([]time.Duration, n)
		}
	}
}

// WithFrameSink mirrors values into sink.
func WithFrameSink(sink FrameSink) FrameOption {
	return func(r *FrameRecorder) { r.sink = sink }
}

// NewFrameRecorder constructs an empty recorder.
func NewFrameRecorder(opts ...FrameOption) *FrameRecorder {
	r := &FrameRecorder{window: make([]time.Duration, DefaultFrameWindow)}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// ObserveFrame records a frame at now. The first frame only establishes the
// reference point.
func (r *FrameRecorder) ObserveFrame(now time.Time) {
	r.mu.Lock()
	if !r.hasFrame {
		r.lastFrame = now
		r.hasFrame = true
		r.mu.Unlock()
		return
	}
	interval := now.Sub(r.lastFrame)
	r.lastFrame = now
	if interval < 0 {
		interval = 0
	}

	if r.count == len(r.window) {
		r.sum -= r.window[r.next]
	} else {
		r.count++
	}
	r.window[r.next] = interval
	r.sum += interval
	r.next = (r.next + 1) % len(r.window)
	avg := r.sum / time.Duration(r.count)
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		sink.SetFrameTime(avg)
	}
}

// ObserveFetch records the latency of the most recent fetch.
func (r *FrameRecorder) ObserveFetch(latency time.Duration) {
	r.mu.Lock()
	r.fetchLatency = latency
	r.mu.Unlock()
}

// SetEntityCount records how many entities are rendered.
func (r *FrameRecorder) SetEntityCount(n int) {
	r.mu.Lock()
	r.entities = n
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		sink.SetRenderedEntities(n)
	}
}

// Snapshot returns the current values.
func (r *FrameRecorder) Snapshot() FrameStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := FrameStats{
		Samples:      r.count,
		FetchLatency: r.fetchLatency,
		Entities:     r.entities,
	}
	if r.count > 0 {
		st.FrameTime = r.sum / time.Duration(r.count)
	}
	if st.FrameTime > 0 {
		st.FPS = float64(time.Second) / float64(st.FrameTime)
	}
	return st
}

// Attach observes every frame produced by sched until the returned function
// is called.
func (r *FrameRecorder) Attach(sched timectrl.Scheduler) timectrl.Cancel {
	var (
		mu      sync.Mutex
		stopped bool
		cancel  timectrl.Cancel
	)
	var observe func(time.Time)
	observe = func(now time.Time) {
		r.ObserveFrame(now)
		mu.Lock()
		defer mu.Unlock()
		if !stopped {
			cancel = sched.RequestFrame(observe)
		}
	}

	mu.Lock()
	cancel = sched.RequestFrame(observe)
	mu.Unlock()

	return func() {
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		if cancel != nil {
			cancel()
			cancel = nil
		}
	}
}

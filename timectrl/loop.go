package timectrl

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultFrameInterval approximates a 60 Hz display refresh.
const DefaultFrameInterval = time.Second / 60

// postedQueueSize is the initial capacity of the posted queue. The queue
// grows past it rather than blocking Post.
const postedQueueSize = 256

// LoopScheduler runs every callback on the goroutine that calls Run, giving
// the viewer a single-threaded, cooperative execution model. Frames fire on a
// refresh-rate ticker; timers and posted work are funnelled through the same
// loop.
type LoopScheduler struct {
	frameInterval time.Duration
	clock         Clock

	mu      sync.Mutex
	counter uint64
	frames  map[uint64]func(time.Time)
	timers  map[uint64]*loopTimer

	posted  []func()
	stopped bool
	wake    chan struct{}
}

type loopTimer struct {
	t  *time.Timer
	fn func()
}

// NewLoopScheduler builds a scheduler with the given frame interval; zero
// uses DefaultFrameInterval.
func NewLoopScheduler(frameInterval time.Duration) *LoopScheduler {
	if frameInterval <= 0 {
		frameInterval = DefaultFrameInterval
	}
	return &LoopScheduler{
		frameInterval: frameInterval,
		clock:         SystemClock{},
		frames:        make(map[uint64]func(time.Time)),
		timers:        make(map[uint64]*loopTimer),
		posted:        make([]func(), 0, postedQueueSize),
		wake:          make(chan struct{}, 1),
	}
}

// FrameInterval returns the configured frame cadence.
func (s *LoopScheduler) FrameInterval() time.Duration { return s.frameInterval }

// Now returns the wall clock time.
func (s *LoopScheduler) Now() time.Time { return s.clock.Now() }

// RequestFrame registers fn for the next frame.
func (s *LoopScheduler) RequestFrame(fn func(now time.Time)) Cancel {
	if fn == nil {
		return noopCancel
	}
	s.mu.Lock()
	s.counter++
	id := s.counter
	s.frames[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.frames, id)
		s.mu.Unlock()
	}
}

// AfterFunc runs fn on the loop after d.
func (s *LoopScheduler) AfterFunc(d time.Duration, fn func()) Cancel {
	if fn == nil {
		return noopCancel
	}
	s.mu.Lock()
	s.counter++
	id := s.counter
	lt := &loopTimer{fn: fn}
	s.timers[id] = lt
	lt.t = time.AfterFunc(d, func() {
		s.Post(func() { s.fireTimer(id) })
	})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if lt, ok := s.timers[id]; ok {
			lt.t.Stop()
			delete(s.timers, id)
		}
		s.mu.Unlock()
	}
}

// Post queues fn to run on the loop and never blocks, so callbacks already
// running on the loop may post more work. Posted work runs in FIFO order.
// After Run has returned, posted work is dropped.
func (s *LoopScheduler) Post(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.posted = append(s.posted, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is cancelled. Pending timers are stopped on
// exit.
func (s *LoopScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.frameInterval)
	defer ticker.Stop()
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
			s.runPosted(ctx)
		case now := <-ticker.C:
			s.runFrames(now)
		}
	}
}

// runPosted drains the posted queue in batches. Work posted by a batch runs
// in the next batch, after everything queued before it.
func (s *LoopScheduler) runPosted(ctx context.Context) {
	for ctx.Err() == nil {
		s.mu.Lock()
		batch := s.posted
		s.posted = nil
		s.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

func (s *LoopScheduler) fireTimer(id uint64) {
	s.mu.Lock()
	lt, ok := s.timers[id]
	if ok {
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if ok {
		lt.fn()
	}
}

// runFrames executes the callbacks registered before this frame started.
// Callbacks requested during the frame run on the next one; callbacks
// cancelled by an earlier callback in the same frame are skipped.
func (s *LoopScheduler) runFrames(now time.Time) {
	s.mu.Lock()
	if len(s.frames) == 0 {
		s.mu.Unlock()
		return
	}
	limit := s.counter
	ids := make([]uint64, 0, len(s.frames))
	for id := range s.frames {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if id > limit {
			continue
		}
		s.mu.Lock()
		fn, ok := s.frames[id]
		if ok {
			delete(s.frames, id)
		}
		s.mu.Unlock()
		if ok {
			fn(now)
		}
	}
}

func (s *LoopScheduler) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.posted = nil
	for id, lt := range s.timers {
		lt.t.Stop()
		delete(s.timers, id)
	}
	s.frames = make(map[uint64]func(time.Time))
}

package timectrl

import (
	"sync"
	"time"
)

// ManualScheduler is a deterministic Scheduler for tests. Time only moves when
// the test calls Step, which fires due timers, drains posted work and then runs
// one batch of frame callbacks.
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Time
	counter uint64

	frames []*manualFrame
	// timers ordered by 'when' (earliest first).
	timers []*manualTimer
	posted []func()
}

type manualFrame struct {
	id        uint64
	fn        func(time.Time)
	cancelled bool
}

type manualTimer struct {
	id        uint64
	when      time.Time
	fn        func()
	cancelled bool
}

// NewManualScheduler creates a scheduler whose clock starts at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

// Now returns the scheduler's current time.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// RequestFrame registers fn for the next Step.
func (s *ManualScheduler) RequestFrame(fn func(now time.Time)) Cancel {
	if fn == nil {
		return noopCancel
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	fr := &manualFrame{id: s.counter, fn: fn}
	s.frames = append(s.frames, fr)
	return func() {
		s.mu.Lock()
		fr.cancelled = true
		s.mu.Unlock()
	}
}

// AfterFunc registers fn to run once the scheduler time reaches now+d.
func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) Cancel {
	if fn == nil {
		return noopCancel
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	tm := &manualTimer{id: s.counter, when: s.now.Add(d), fn: fn}

	inserted := false
	for i, existing := range s.timers {
		if tm.when.Before(existing.when) {
			s.timers = append(s.timers[:i], append([]*manualTimer{tm}, s.timers[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		s.timers = append(s.timers, tm)
	}

	return func() {
		s.mu.Lock()
		tm.cancelled = true
		s.mu.Unlock()
	}
}

// Post queues fn; it runs on the next Step or Drain.
func (s *ManualScheduler) Post(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.posted = append(s.posted, fn)
	s.mu.Unlock()
}

// Step advances time by d, runs due timers, drains posted work and runs one
// frame batch. Time never goes backwards.
func (s *ManualScheduler) Step(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()

	s.runDueTimers()
	s.Drain()
	s.runFrame()
}

// Drain runs posted callbacks until the queue is empty.
func (s *ManualScheduler) Drain() {
	for {
		s.mu.Lock()
		if len(s.posted) == 0 {
			s.mu.Unlock()
			return
		}
		fn := s.posted[0]
		s.posted = s.posted[1:]
		s.mu.Unlock()

		fn()
	}
}

// PendingFrames counts frame callbacks that are still scheduled.
func (s *ManualScheduler) PendingFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, fr := range s.frames {
		if !fr.cancelled {
			n++
		}
	}
	return n
}

// PendingTimers counts timers that have neither fired nor been cancelled.
func (s *ManualScheduler) PendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tm := range s.timers {
		if !tm.cancelled {
			n++
		}
	}
	return n
}

func (s *ManualScheduler) runDueTimers() {
	for {
		s.mu.Lock()
		if len(s.timers) == 0 || s.timers[0].when.After(s.now) {
			s.mu.Unlock()
			return
		}
		tm := s.timers[0]
		s.timers = s.timers[1:]
		if tm.cancelled {
			s.mu.Unlock()
			continue
		}
		fn := tm.fn
		s.mu.Unlock()

		// Execute callback outside the lock.
		fn()
	}
}

func (s *ManualScheduler) runFrame() {
	s.mu.Lock()
	batch := s.frames
	s.frames = nil
	now := s.now
	s.mu.Unlock()

	for _, fr := range batch {
		s.mu.Lock()
		cancelled := fr.cancelled
		fr.cancelled = true
		s.mu.Unlock()
		if !cancelled {
			fr.fn(now)
		}
	}
}

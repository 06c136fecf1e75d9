package timectrl

import (
	"sync"
	"time"
)

// DefaultThrottleInterval caps clock-driven refetches at ten per second.
const DefaultThrottleInterval = 100 * time.Millisecond

// Throttle passes through at most one value per interval. The first value
// after a quiet period goes out immediately; values pushed inside the interval
// are coalesced and the latest one is emitted when the interval ends.
type Throttle[T any] struct {
	sched    Scheduler
	interval time.Duration
	emit     func(T)

	mu         sync.Mutex
	last       time.Time
	hasLast    bool
	pending    T
	hasPending bool
	cancel     Cancel
	closed     bool

	emitted   uint64
	coalesced uint64
}

// NewThrottle builds a throttle that calls emit on sched's thread. A
// non-positive interval uses DefaultThrottleInterval.
func NewThrottle[T any](sched Scheduler, interval time.Duration, emit func(T)) *Throttle[T] {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	return &Throttle[T]{
		sched:    sched,
		interval: interval,
		emit:     emit,
	}
}

// Interval returns the minimum spacing between emitted values.
func (t *Throttle[T]) Interval() time.Duration { return t.interval }

// Push offers v.
func (t *Throttle[T]) Push(v T) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	now := t.sched.Now()
	if !t.hasPending && (!t.hasLast || now.Sub(t.last) >= t.interval) {
		t.last = now
		t.hasLast = true
		t.emitted++
		t.mu.Unlock()
		t.emit(v)
		return
	}

	t.pending = v
	t.hasPending = true
	t.coalesced++
	if t.cancel == nil {
		wait := t.interval - now.Sub(t.last)
		if wait < 0 {
			wait = 0
		}
		t.cancel = t.sched.AfterFunc(wait, t.fire)
	}
	t.mu.Unlock()
}

// Flush emits the pending value immediately, if any.
func (t *Throttle[T]) Flush() {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()
	t.fire()
}

// Cancel drops the pending value and its timer.
func (t *Throttle[T]) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropLocked()
}

// Close cancels pending work; later pushes are ignored.
func (t *Throttle[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.dropLocked()
}

// Stats returns how many values were emitted and how many pushes were
// coalesced into a later emission.
func (t *Throttle[T]) Stats() (emitted, coalesced uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.emitted, t.coalesced
}

func (t *Throttle[T]) fire() {
	t.mu.Lock()
	t.cancel = nil
	if !t.hasPending || t.closed {
		t.mu.Unlock()
		return
	}
	v := t.pending
	var zero T
	t.pending = zero
	t.hasPending = false
	t.last = t.sched.Now()
	t.hasLast = true
	t.emitted++
	t.mu.Unlock()

	t.emit(v)
}

func (t *Throttle[T]) dropLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	var zero T
	t.pending = zero
	t.hasPending = false
}

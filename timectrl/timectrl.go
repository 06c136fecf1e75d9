package timectrl

import "time"

// Clock is the wall-clock source used by caches, throttles and the playback
// clock. Injecting it keeps TTL and interval logic deterministic in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// Cancel stops a pending scheduled callback. It is safe to call more than
// once and after the callback already ran.
type Cancel func()

// Scheduler is the single logical thread that drives the viewer. Frame
// callbacks are aligned to display refresh, timers fire after a delay, and
// Post hands work completed elsewhere (network I/O) back to the loop.
//
// Implementations must guarantee that a callback whose Cancel has returned
// never runs.
type Scheduler interface {
	// Now returns the scheduler's wall time.
	Now() time.Time

	// RequestFrame runs fn once, on the next frame. Callbacks that want to
	// run every frame re-request from inside fn.
	RequestFrame(fn func(now time.Time)) Cancel

	// AfterFunc runs fn once after d has elapsed.
	AfterFunc(d time.Duration, fn func()) Cancel

	// Post queues fn to run on the scheduler's thread. It may be called from
	// any goroutine.
	Post(fn func())
}

func noopCancel() {}

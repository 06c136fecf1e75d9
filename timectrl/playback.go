package timectrl

import (
	"errors"
	"math"
	"sync"
	"time"
)

const (
	// DefaultPlaybackDuration is the length of the simulated timeline.
	DefaultPlaybackDuration = 24 * time.Hour
	// DefaultPlaybackSpeed is the simulated-seconds-per-real-second multiplier.
	DefaultPlaybackSpeed = 60.0
)

var (
	// ErrInvalidSpeed is returned when a non-positive speed is requested.
	ErrInvalidSpeed = errors.New("playback speed must be positive")
	// ErrInvalidDuration is returned when a non-positive duration is requested.
	ErrInvalidDuration = errors.New("playback duration must be positive")
)

// Change identifies what caused a clock notification.
type Change int

const (
	ChangeTick Change = iota
	ChangeSeek
	ChangePlay
	ChangePause
	ChangeSpeed
	ChangeReset
	ChangeDuration
)

func (c Change) String() string {
	switch c {
	case ChangeTick:
		return "tick"
	case ChangeSeek:
		return "seek"
	case ChangePlay:
		return "play"
	case ChangePause:
		return "pause"
	case ChangeSpeed:
		return "speed"
	case ChangeReset:
		return "reset"
	case ChangeDuration:
		return "duration"
	default:
		return "unknown"
	}
}

// ClockState is a snapshot of the playback clock.
type ClockState struct {
	Current  time.Duration
	Duration time.Duration
	Speed    float64
	Playing  bool
}

// PlaybackClock advances a simulated timeline on display frames, independent
// of real time. Each frame moves the timeline by the elapsed wall time
// multiplied by the speed. When an advance reaches the end of the timeline
// the clock snaps back to zero; it does not carry the remainder over.
type PlaybackClock struct {
	sched Scheduler

	mu         sync.RWMutex
	current    time.Duration
	duration   time.Duration
	speed      float64
	playing    bool
	runID      uint64
	lastFrame  time.Time
	cancelTick Cancel

	listenerSeq uint64
	listeners   []clockListener
}

type clockListener struct {
	id uint64
	fn func(Change, ClockState)
}

// PlaybackOption customises PlaybackClock construction.
type PlaybackOption func(*PlaybackClock)

// WithDuration sets the timeline length; non-positive values are ignored.
func WithDuration(d time.Duration) PlaybackOption {
	return func(c *PlaybackClock) {
		if d > 0 {
			c.duration = d
		}
	}
}

// WithSpeed sets the initial speed; non-positive values are ignored.
func WithSpeed(speed float64) PlaybackOption {
	return func(c *PlaybackClock) {
		if validSpeed(speed) {
			c.speed = speed
		}
	}
}

// NewPlaybackClock creates a stopped clock at time zero driven by sched.
func NewPlaybackClock(sched Scheduler, opts ...PlaybackOption) *PlaybackClock {
	c := &PlaybackClock{
		sched:    sched,
		duration: DefaultPlaybackDuration,
		speed:    DefaultPlaybackSpeed,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// State returns the current clock snapshot.
func (c *PlaybackClock) State() ClockState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stateLocked()
}

// Current returns the current simulated time offset.
func (c *PlaybackClock) Current() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Playing reports whether the clock is running.
func (c *PlaybackClock) Playing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playing
}

// OnChange registers fn to be called after every state change. The returned
// function removes the listener.
func (c *PlaybackClock) OnChange(fn func(Change, ClockState)) func() {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	c.listenerSeq++
	id := c.listenerSeq
	c.listeners = append(c.listeners, clockListener{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// Play starts playback. It is a no-op while already playing.
func (c *PlaybackClock) Play() {
	c.mu.Lock()
	if c.playing {
		c.mu.Unlock()
		return
	}
	c.playing = true
	c.runID++
	c.lastFrame = c.sched.Now()
	c.cancelTick = c.sched.RequestFrame(c.tick)
	st := c.stateLocked()
	c.mu.Unlock()

	c.notify(ChangePlay, st)
}

// Pause stops playback. The pending frame is cancelled before Pause returns,
// so no tick is observed afterwards.
func (c *PlaybackClock) Pause() {
	c.mu.Lock()
	if !c.playing {
		c.mu.Unlock()
		return
	}
	c.playing = false
	cancel := c.cancelTick
	c.cancelTick = nil
	st := c.stateLocked()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.notify(ChangePause, st)
}

// Reset pauses and rewinds to zero.
func (c *PlaybackClock) Reset() {
	c.Pause()

	c.mu.Lock()
	c.current = 0
	st := c.stateLocked()
	c.mu.Unlock()

	c.notify(ChangeReset, st)
}

// Seek jumps to t, clamped to [0, duration], regardless of play state.
func (c *PlaybackClock) Seek(t time.Duration) {
	c.mu.Lock()
	c.current = clampDuration(t, 0, c.duration)
	st := c.stateLocked()
	c.mu.Unlock()

	c.notify(ChangeSeek, st)
}

// SetSpeed changes the playback multiplier from the next tick on.
func (c *PlaybackClock) SetSpeed(speed float64) error {
	if !validSpeed(speed) {
		return ErrInvalidSpeed
	}
	c.mu.Lock()
	c.speed = speed
	st := c.stateLocked()
	c.mu.Unlock()

	c.notify(ChangeSpeed, st)
	return nil
}

// SetDuration changes the timeline length, clamping the current position.
func (c *PlaybackClock) SetDuration(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidDuration
	}
	c.mu.Lock()
	c.duration = d
	c.current = clampDuration(c.current, 0, d)
	st := c.stateLocked()
	c.mu.Unlock()

	c.notify(ChangeDuration, st)
	return nil
}

// Advance moves the timeline by wall*speed and returns the new position.
// Reaching or passing the end of the timeline yields zero.
func (c *PlaybackClock) Advance(wall time.Duration) time.Duration {
	if wall < 0 {
		wall = 0
	}
	c.mu.Lock()
	step := float64(wall) * c.speed
	remaining := float64(c.duration - c.current)
	if step >= remaining {
		c.current = 0
	} else {
		c.current += time.Duration(step)
	}
	next := c.current
	st := c.stateLocked()
	c.mu.Unlock()

	c.notify(ChangeTick, st)
	return next
}

// Close stops playback and drops every listener.
func (c *PlaybackClock) Close() {
	c.Pause()
	c.mu.Lock()
	c.listeners = nil
	c.mu.Unlock()
}

func (c *PlaybackClock) tick(now time.Time) {
	c.mu.Lock()
	if !c.playing {
		c.mu.Unlock()
		return
	}
	run := c.runID
	delta := now.Sub(c.lastFrame)
	c.lastFrame = now
	c.mu.Unlock()

	c.Advance(delta)

	// A listener may have paused and restarted playback; the restart owns the
	// next frame then.
	c.mu.Lock()
	if c.playing && c.runID == run {
		c.cancelTick = c.sched.RequestFrame(c.tick)
	}
	c.mu.Unlock()
}

func (c *PlaybackClock) notify(change Change, st ClockState) {
	c.mu.RLock()
	listeners := make([]clockListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	for _, l := range listeners {
		l.fn(change, st)
	}
}

func (c *PlaybackClock) stateLocked() ClockState {
	return ClockState{
		Current:  c.current,
		Duration: c.duration,
		Speed:    c.speed,
		Playing:  c.playing,
	}
}

func validSpeed(speed float64) bool {
	return speed > 0 && !math.IsNaN(speed) && !math.IsInf(speed, 0)
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

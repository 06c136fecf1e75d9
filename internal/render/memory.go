package render

import (
	"sort"
	"sync"
	"time"
)

// Ops counts the operations applied to a MemorySurface.
type Ops struct {
	MarkersAdded   int
	MarkersUpdated int
	MarkersRemoved int
	LabelsAdded    int
	LabelsUpdated  int
	LabelsRemoved  int
	LabelsHidden   int
	FlyTos         int
}

// FlyTo records one camera move.
type FlyTo struct {
	Target   Position
	Duration time.Duration
}

// MemorySurface is an in-memory, thread-safe Surface and Picker. It backs the
// headless viewer and tests.
type MemorySurface struct {
	mu sync.RWMutex

	next    Handle
	markers map[Handle]MarkerSpec
	labels  map[Handle]LabelSpec
	ops     Ops
	flyTo   *FlyTo

	subID int
	subs  map[int]func(Handle)
}

// NewMemorySurface constructs an empty surface.
func NewMemorySurface() *MemorySurface {
	return &MemorySurface{
		markers: make(map[Handle]MarkerSpec),
		labels:  make(map[Handle]LabelSpec),
		subs:    make(map[int]func(Handle)),
	}
}

func (s *MemorySurface) issue() Handle {
	s.next++
	return s.next
}

func (s *MemorySurface) AddMarker(spec MarkerSpec) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.issue()
	s.markers[h] = spec
	s.ops.MarkersAdded++
	return h
}

func (s *MemorySurface) UpdateMarker(h Handle, spec MarkerSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markers[h]; !ok {
		return
	}
	s.markers[h] = spec
	s.ops.MarkersUpdated++
}

func (s *MemorySurface) RemoveMarker(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markers[h]; !ok {
		return
	}
	delete(s.markers, h)
	s.ops.MarkersRemoved++
}

func (s *MemorySurface) AddLabel(spec LabelSpec) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.issue()
	s.labels[h] = spec
	s.ops.LabelsAdded++
	return h
}

func (s *MemorySurface) UpdateLabel(h Handle, spec LabelSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.labels[h]; !ok {
		return
	}
	s.labels[h] = spec
	s.ops.LabelsUpdated++
}

func (s *MemorySurface) SetLabelVisible(h Handle, visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.labels[h]
	if !ok || l.Visible == visible {
		return
	}
	l.Visible = visible
	s.labels[h] = l
	if !visible {
		s.ops.LabelsHidden++
	}
}

func (s *MemorySurface) RemoveLabel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.labels[h]; !ok {
		return
	}
	delete(s.labels, h)
	s.ops.LabelsRemoved++
}

func (s *MemorySurface) FlyTo(target Position, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flyTo = &FlyTo{Target: target, Duration: d}
	s.ops.FlyTos++
}

// OnPick registers fn for Pick calls.
func (s *MemorySurface) OnPick(fn func(Handle)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subID++
	id := s.subID
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Pick simulates the user picking h. Subscribers run on the caller's
// goroutine.
func (s *MemorySurface) Pick(h Handle) {
	s.mu.RLock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Handle), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(h)
	}
}

// Subscribers returns the number of registered pick callbacks.
func (s *MemorySurface) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Marker returns the marker addressed by h.
func (s *MemorySurface) Marker(h Handle) (MarkerSpec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markers[h]
	return m, ok
}

// Label returns the label addressed by h.
func (s *MemorySurface) Label(h Handle) (LabelSpec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.labels[h]
	return l, ok
}

// MarkerCount returns the number of live markers.
func (s *MemorySurface) MarkerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.markers)
}

// LabelCount returns the number of live labels, hidden ones included.
func (s *MemorySurface) LabelCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.labels)
}

// VisibleLabels returns the number of visible labels.
func (s *MemorySurface) VisibleLabels() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, l := range s.labels {
		if l.Visible {
			n++
		}
	}
	return n
}

// Ops returns the operation counters.
func (s *MemorySurface) Ops() Ops {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ops
}

// ResetOps zeroes the operation counters.
func (s *MemorySurface) ResetOps() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = Ops{}
}

// LastFlyTo returns the most recent camera move.
func (s *MemorySurface) LastFlyTo() (FlyTo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.flyTo == nil {
		return FlyTo{}, false
	}
	return *s.flyTo, true
}

var (
	_ Surface = (*MemorySurface)(nil)
	_ Picker  = (*MemorySurface)(nil)
)

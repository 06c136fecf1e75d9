package cache

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalsfoundry/constellation-viewer/timectrl"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingLoader struct {
	calls   atomic.Int32
	payload []byte
	err     error
}

func (l *countingLoader) load(context.Context) ([]byte, error) {
	l.calls.Add(1)
	return l.payload, l.err
}

type recordingMetrics struct {
	mu      sync.Mutex
	results map[string]int
}

func (m *recordingMetrics) ObserveCacheLookup(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = make(map[string]int)
	}
	m.results[result]++
}

func TestRequestCacheServesWithinTTL(t *testing.T) {
	clock := newFakeClock()
	metrics := &recordingMetrics{}
	c := New(WithTTL(5*time.Second), WithClock(clock), WithMetrics(metrics))
	loader := &countingLoader{payload: []byte("positions")}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := c.Do(ctx, "scenarios/a/positions?time_offset=60", loader.load)
		if err != nil {
			t.Fatalf("Do: %v", err)
		}
		if string(got) != "positions" {
			t.Fatalf("payload = %q", got)
		}
		clock.Advance(time.Second)
	}
	if got := loader.calls.Load(); got != 1 {
		t.Fatalf("loads within TTL = %d, want 1", got)
	}
	st := c.Stats()
	if st.Hits != 2 || st.Misses != 1 {
		t.Fatalf("stats = %+v, want 2 hits 1 miss", st)
	}
	if metrics.results[LookupHit] != 2 || metrics.results[LookupMiss] != 1 {
		t.Fatalf("metrics = %v", metrics.results)
	}
}

func TestRequestCacheRefetchesAfterTTL(t *testing.T) {
	clock := newFakeClock()
	c := New(WithTTL(5*time.Second), WithClock(clock))
	loader := &countingLoader{payload: []byte("x")}
	ctx := context.Background()

	if _, err := c.Do(ctx, "k", loader.load); err != nil {
		t.Fatalf("Do: %v", err)
	}
	clock.Advance(5*time.Second + time.Millisecond)
	if _, err := c.Do(ctx, "k", loader.load); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got := loader.calls.Load(); got != 2 {
		t.Fatalf("loads across TTL gap = %d, want 2", got)
	}
	if st := c.Stats(); st.Evictions != 1 {
		t.Fatalf("evictions = %d, want 1", st.Evictions)
	}
}

func TestRequestCacheEntryExpiresExactlyAtTTL(t *testing.T) {
	clock := newFakeClock()
	c := New(WithTTL(time.Second), WithClock(clock))
	c.Put("k", []byte("v"))

	clock.Advance(time.Second - time.Nanosecond)
	if _, ok := c.Get("k"); !ok {
		t.Fatalf("entry should be fresh just before TTL")
	}
	clock.Advance(time.Nanosecond)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("entry should expire at now-storedAt == TTL")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not evicted on lookup")
	}
}

func TestRequestCacheDoesNotCacheFailures(t *testing.T) {
	c := New(WithClock(newFakeClock()))
	failing := &countingLoader{err: errors.New("503")}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Do(ctx, "k", failing.load); err == nil {
			t.Fatalf("expected loader error")
		}
	}
	if got := failing.calls.Load(); got != 2 {
		t.Fatalf("failed loads = %d, want 2 (no negative caching)", got)
	}
}

func TestRequestCacheCollapsesInFlightRequests(t *testing.T) {
	c := New(WithClock(newFakeClock()))
	ctx := context.Background()

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(context.Context) ([]byte, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return []byte("shared"), nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := c.Do(ctx, "k", load)
			if err != nil {
				t.Errorf("Do: %v", err)
				return
			}
			results[i] = string(got)
		}(i)
	}

	<-started
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("loads = %d, want 1", got)
	}
	for i, r := range results {
		if r != "shared" {
			t.Fatalf("caller %d got %q", i, r)
		}
	}
}

func TestRequestCacheCountsSharedOnlyForJoiners(t *testing.T) {
	metrics := &recordingMetrics{}
	c := New(WithClock(newFakeClock()), WithMetrics(metrics))
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	load := func(context.Context) ([]byte, error) {
		close(started)
		<-release
		return []byte("v"), nil
	}

	const callers = 4
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := c.Do(ctx, "k", load); err != nil {
			t.Errorf("leader Do: %v", err)
		}
	}()
	<-started
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Do(ctx, "k", load); err != nil {
				t.Errorf("joiner Do: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	st := c.Stats()
	if st.Misses != 1 {
		t.Fatalf("misses = %d, want 1", st.Misses)
	}
	if st.Shared+st.Hits != callers-1 {
		t.Fatalf("shared %d + hits %d, want %d joiners", st.Shared, st.Hits, callers-1)
	}
}

func TestRequestCacheLoadSurvivesLeaderCancel(t *testing.T) {
	c := New(WithClock(newFakeClock()))

	started := make(chan struct{})
	release := make(chan struct{})
	var loadErr atomic.Value
	load := func(ctx context.Context) ([]byte, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			loadErr.Store(err)
		}
		return []byte("v"), nil
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := c.Do(leaderCtx, "k", load)
		leaderDone <- err
	}()
	<-started

	joined := make(chan []byte, 1)
	go func() {
		got, err := c.Do(context.Background(), "k", load)
		if err != nil {
			t.Errorf("joiner Do: %v", err)
		}
		joined <- got
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-leaderDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("leader err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("cancelled leader did not return")
	}

	close(release)
	select {
	case got := <-joined:
		if string(got) != "v" {
			t.Fatalf("joiner got %q, want v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("joiner did not return")
	}
	if err := loadErr.Load(); err != nil {
		t.Fatalf("load saw %v after the leader cancelled", err)
	}
	if _, ok := c.Get("k"); !ok {
		t.Fatalf("completed load was not cached")
	}
}

func TestRequestCachePurge(t *testing.T) {
	clock := newFakeClock()
	c := New(WithTTL(time.Second), WithClock(clock))
	c.Put("old", []byte("1"))
	clock.Advance(2 * time.Second)
	c.Put("new", []byte("2"))

	if n := c.Purge(); n != 1 {
		t.Fatalf("Purge removed %d, want 1", n)
	}
	if _, ok := c.Get("new"); !ok {
		t.Fatalf("fresh entry was purged")
	}
}

func TestRequestCacheAcceptsSchedulerAsClock(t *testing.T) {
	sched := timectrl.NewManualScheduler(time.Unix(0, 0))
	c := New(WithTTL(time.Second), WithClock(sched))
	c.Put("k", []byte("v"))
	sched.Step(2 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("entry should expire with scheduler time")
	}
}

func TestKeyIsOrderIndependent(t *testing.T) {
	a := url.Values{}
	a.Set("time_offset", "60")
	a.Set("chunk_index", "2")
	b := url.Values{}
	b.Set("chunk_index", "2")
	b.Set("time_offset", "60")

	if Key("scenarios/s1/positions", a) != Key("scenarios/s1/positions", b) {
		t.Fatalf("keys differ for equal parameters")
	}
	if got := Key("scenarios", nil); got != "scenarios" {
		t.Fatalf("Key without params = %q", got)
	}
	if got := Key("p", a); got != "p?chunk_index=2&time_offset=60" {
		t.Fatalf("Key = %q", got)
	}
}

type memoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	loadErr error
	saves   int
}

func (s *memoryStore) Load(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return Entry{}, false, s.loadErr
	}
	e, ok := s.entries[key]
	return e, ok, nil
}

func (s *memoryStore) Save(_ context.Context, e Entry, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[string]Entry)
	}
	s.entries[e.Key] = e
	s.saves++
	return nil
}

func TestRequestCacheSharesThroughStore(t *testing.T) {
	clock := newFakeClock()
	store := &memoryStore{}
	first := New(WithClock(clock), WithStore(store))
	second := New(WithClock(clock), WithStore(store))
	loader := &countingLoader{payload: []byte("p")}
	ctx := context.Background()

	if _, err := first.Do(ctx, "k", loader.load); err != nil {
		t.Fatalf("first Do: %v", err)
	}
	got, err := second.Do(ctx, "k", loader.load)
	if err != nil {
		t.Fatalf("second Do: %v", err)
	}
	if string(got) != "p" || loader.calls.Load() != 1 {
		t.Fatalf("second cache should be served by the store; loads=%d", loader.calls.Load())
	}
	if st := second.Stats(); st.StoreHits != 1 {
		t.Fatalf("store hits = %d, want 1", st.StoreHits)
	}
}

func TestRequestCacheIgnoresStaleOrFailingStore(t *testing.T) {
	clock := newFakeClock()
	store := &memoryStore{entries: map[string]Entry{
		"k": {Key: "k", Payload: []byte("old"), StoredAt: clock.Now().Add(-time.Minute)},
	}}
	c := New(WithClock(clock), WithStore(store))
	loader := &countingLoader{payload: []byte("new")}

	got, err := c.Do(context.Background(), "k", loader.load)
	if err != nil || string(got) != "new" {
		t.Fatalf("Do = %q, %v; want fresh load", got, err)
	}

	store.loadErr = errors.New("connection refused")
	got, err = New(WithClock(clock), WithStore(store)).Do(context.Background(), "k", loader.load)
	if err != nil || string(got) != "new" {
		t.Fatalf("Do with failing store = %q, %v", got, err)
	}
	if loader.calls.Load() != 2 {
		t.Fatalf("loads = %d, want 2", loader.calls.Load())
	}
}

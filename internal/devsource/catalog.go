// Package devsource is a development data source: a scenario catalog of TLE
// sets propagated with SGP4 and served over HTTP, SSE, WebSocket and NATS in
// the wire format the viewer consumes.
package devsource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/signalsfoundry/constellation-viewer/internal/logging"
	"github.com/signalsfoundry/constellation-viewer/model"
)

// Data source labels reported in response metadata.
const (
	DataSourceSynthetic = "synthetic"
	DataSourceTLEFile   = "tle-file"
)

var (
	// ErrScenarioNotFound is returned for unknown scenario ids.
	ErrScenarioNotFound = errors.New("scenario not found")
	// ErrScenarioExists is returned when adding a duplicate scenario id.
	ErrScenarioExists = errors.New("scenario already exists")
)

// Scenario is a named set of satellites.
type Scenario struct {
	ID          string
	Name        string
	Description string
	DataSource  string
	CreatedAt   time.Time
	Satellites  []*Satellite
}

// NewScenario initialises a propagator for every set. Sets that SGP4 rejects
// are skipped and returned in skipped.
func NewScenario(id, name, description string, createdAt time.Time, sets []TLE) (*Scenario, []error) {
	s := &Scenario{
		ID:          id,
		Name:        name,
		Description: description,
		DataSource:  DataSourceSynthetic,
		CreatedAt:   createdAt,
		Satellites:  make([]*Satellite, 0, len(sets)),
	}
	var skipped []error
	seen := make(map[string]bool, len(sets))
	for _, set := range sets {
		sat, err := NewSatellite(set)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		if seen[sat.ID] {
			skipped = append(skipped, fmt.Errorf("%w: duplicate catalog number %s", ErrInvalidTLE, sat.ID))
			continue
		}
		seen[sat.ID] = true
		s.Satellites = append(s.Satellites, sat)
	}
	return s, skipped
}

// Summary returns the listing form of the scenario.
func (s *Scenario) Summary() model.ScenarioSummary {
	return model.ScenarioSummary{
		ID:             s.ID,
		Name:           s.Name,
		Description:    s.Description,
		SatelliteCount: len(s.Satellites),
		CreatedAt:      s.CreatedAt,
	}
}

// Limit returns the first n satellites, or all of them when n <= 0.
func (s *Scenario) Limit(n int) []*Satellite {
	if n <= 0 || n >= len(s.Satellites) {
		return s.Satellites
	}
	return s.Satellites[:n]
}

// Propagate computes records for sats at t in order. Satellites whose state
// cannot be computed are left out and counted in failed.
func Propagate(sats []*Satellite, t time.Time) (records []model.PositionRecord, states []State, failed int) {
	records = make([]model.PositionRecord, 0, len(sats))
	states = make([]State, 0, len(sats))
	for _, sat := range sats {
		st, err := sat.Propagate(t)
		if err != nil {
			failed++
			continue
		}
		records = append(records, sat.Record(st))
		states = append(states, st)
	}
	return records, states, failed
}

type catalogEntry struct {
	scenario *Scenario
	path     string
	loadedAt time.Time
}

// Catalog is an in-memory, thread-safe scenario store. Scenarios loaded from
// a TLE file are re-read once their copy is older than the TTL.
type Catalog struct {
	mu sync.RWMutex

	entries map[string]*catalogEntry
	order   []string

	now func() time.Time
	ttl time.Duration
	log logging.Logger
}

// CatalogOption customises a Catalog.
type CatalogOption func(*Catalog)

// WithCatalogClock overrides the clock used for TLE file expiry.
func WithCatalogClock(now func() time.Time) CatalogOption {
	return func(c *Catalog) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTLECacheTTL sets how long a file-backed scenario is served before the
// file is read again.
func WithTLECacheTTL(ttl time.Duration) CatalogOption {
	return func(c *Catalog) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCatalogLogger sets the logger for skipped sets and reload failures.
func WithCatalogLogger(l logging.Logger) CatalogOption {
	return func(c *Catalog) {
		if l != nil {
			c.log = l
		}
	}
}

// NewCatalog constructs an empty catalog.
func NewCatalog(opts ...CatalogOption) *Catalog {
	c := &Catalog{
		entries: make(map[string]*catalogEntry),
		now:     time.Now,
		ttl:     time.Hour,
		log:     logging.Noop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add registers s. It returns ErrScenarioExists if the id is taken.
func (c *Catalog) Add(s *Scenario) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addLocked(&catalogEntry{scenario: s, loadedAt: c.now()})
}

func (c *Catalog) addLocked(e *catalogEntry) error {
	id := e.scenario.ID
	if _, exists := c.entries[id]; exists {
		return fmt.Errorf("%w: %q", ErrScenarioExists, id)
	}
	c.entries[id] = e
	c.order = append(c.order, id)
	return nil
}

// LoadFile registers a scenario read from a 3-line TLE file.
func (c *Catalog) LoadFile(ctx context.Context, id, name, path string) error {
	s, err := c.readFile(ctx, id, name, path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addLocked(&catalogEntry{scenario: s, path: path, loadedAt: c.now()})
}

func (c *Catalog) readFile(ctx context.Context, id, name, path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open TLE file: %w", err)
	}
	defer f.Close()

	sets, skipped, err := ParseTLE(f)
	if err != nil {
		return nil, err
	}
	s, rejected := NewScenario(id, name, "Loaded from "+path, c.now().UTC(), sets)
	s.DataSource = DataSourceTLEFile
	for _, err := range append(skipped, rejected...) {
		c.log.Warn(ctx, "skipping TLE entry", logging.String("scenario_id", id), logging.Err(err))
	}
	if len(s.Satellites) == 0 {
		return nil, fmt.Errorf("%w: %s contains no usable element sets", ErrInvalidTLE, path)
	}
	c.log.Info(ctx, "TLE file loaded",
		logging.String("scenario_id", id),
		logging.String("path", path),
		logging.Int("satellites", len(s.Satellites)),
		logging.Int("skipped", len(skipped)+len(rejected)),
	)
	return s, nil
}

// Get returns the scenario with the given id, refreshing a file-backed one
// whose copy has expired. A failed refresh keeps serving the previous copy.
func (c *Catalog) Get(ctx context.Context, id string) (*Scenario, error) {
	c.mu.RLock()
	e, ok := c.entries[id]
	stale := ok && e.path != "" && c.now().Sub(e.loadedAt) >= c.ttl
	var s *Scenario
	if ok {
		s = e.scenario
	}
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrScenarioNotFound, id)
	}
	if !stale {
		return s, nil
	}
	return c.refresh(ctx, id), nil
}

func (c *Catalog) refresh(ctx context.Context, id string) *Scenario {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[id]
	if c.now().Sub(e.loadedAt) < c.ttl {
		return e.scenario
	}
	e.loadedAt = c.now()
	fresh, err := c.readFile(ctx, id, e.scenario.Name, e.path)
	if err != nil {
		c.log.Warn(ctx, "TLE refresh failed, serving previous copy",
			logging.String("scenario_id", id), logging.Err(err))
		return e.scenario
	}
	fresh.CreatedAt = e.scenario.CreatedAt
	e.scenario = fresh
	return fresh
}

// List returns summaries in registration order.
func (c *Catalog) List(ctx context.Context) []model.ScenarioSummary {
	c.mu.RLock()
	ids := append([]string(nil), c.order...)
	c.mu.RUnlock()

	out := make([]model.ScenarioSummary, 0, len(ids))
	for _, id := range ids {
		s, err := c.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, s.Summary())
	}
	return out
}

// IDs returns scenario ids in registration order.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// Len returns the number of scenarios.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// NewBuiltinCatalog builds the synthetic scenarios with element sets at
// epoch, plus the "active" union of all of them.
func NewBuiltinCatalog(ctx context.Context, epoch time.Time, opts ...CatalogOption) (*Catalog, error) {
	c := NewCatalog(opts...)
	created := epoch.UTC()

	var union []TLE
	seen := make(map[string]bool)
	for _, def := range BuiltinScenarios {
		els := def.Elements(created)
		sets := make([]TLE, 0, len(els))
		for _, e := range els {
			set := e.TLE()
			sets = append(sets, set)
			if !seen[set.CatalogNumber()] {
				seen[set.CatalogNumber()] = true
				union = append(union, set)
			}
		}
		s, skipped := NewScenario(def.ID, def.Name, def.Description, created, sets)
		for _, err := range skipped {
			c.log.Warn(ctx, "skipping synthetic element set", logging.String("scenario_id", def.ID), logging.Err(err))
		}
		if err := c.Add(s); err != nil {
			return nil, err
		}
	}

	active, _ := NewScenario(ActiveScenario, "All Active", "Every satellite from the other scenarios", created, union)
	if err := c.Add(active); err != nil {
		return nil, err
	}
	return c, nil
}

// Package reconcile maps position sets onto persistent render primitives with
// minimal add, update and remove churn.
package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/signalsfoundry/constellation-viewer/internal/logging"
	"github.com/signalsfoundry/constellation-viewer/internal/render"
	"github.com/signalsfoundry/constellation-viewer/model"
)

const (
	// BaseMarkerSize is the pixel size of an unselected marker at scale 1.
	BaseMarkerSize = 5.0
	// SelectedMarkerSize is the fixed pixel size of the selected marker.
	SelectedMarkerSize = 12.0

	// FlyToDuration is the camera transition used when the selection changes.
	FlyToDuration = time.Second
	// FlyToAltitudeOffset places the camera above the selected satellite, in
	// metres.
	FlyToAltitudeOffset = 1_000_000.0
)

// DefaultColor is used for every marker when color-by-orbit is off and for
// unknown orbit types.
var DefaultColor = render.RGB(0xff, 0xff, 0xff)

var orbitColors = map[model.OrbitType]render.Color{
	model.OrbitLEO: render.RGB(0x00, 0xbf, 0xff),
	model.OrbitMEO: render.RGB(0xff, 0xd7, 0x00),
	model.OrbitGEO: render.RGB(0xff, 0x45, 0x00),
	model.OrbitHEO: render.RGB(0xba, 0x55, 0xd3),
}

// OrbitColor returns the table color for o.
func OrbitColor(o model.OrbitType) render.Color {
	if c, ok := orbitColors[o]; ok {
		return c
	}
	return DefaultColor
}

// Settings are the visualization toggles read on every Apply.
type Settings struct {
	ShowLabels       bool
	ColorByOrbitType bool
	SatelliteScale   float64
	SelectedID       string
}

// DefaultSettings colors by orbit type at scale 1 with labels off.
func DefaultSettings() Settings {
	return Settings{ColorByOrbitType: true, SatelliteScale: 1}
}

// MetricsRecorder receives per-Apply churn counts.
type MetricsRecorder interface {
	ObserveReconcile(added, updated, removed, hidden int)
}

// Result summarizes one Apply.
type Result struct {
	Added         int
	Updated       int
	Removed       int
	LabelsAdded   int
	LabelsUpdated int
	LabelsRemoved int
	LabelsHidden  int
	FlewTo        bool
}

type entity struct {
	marker       render.Handle
	label        render.Handle
	labelVisible bool
}

// Engine is the single writer of a render.Surface. It is not safe for
// concurrent use; the session drives it from the scheduler loop.
type Engine struct {
	surface render.Surface
	metrics MetricsRecorder
	log     logging.Logger

	entities map[string]*entity
	owners   map[render.Handle]string
	selected string
}

// Option customises an Engine.
type Option func(*Engine)

// WithMetrics reports churn to m.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEngine creates an engine drawing on surface.
func NewEngine(surface render.Surface, opts ...Option) *Engine {
	e := &Engine{
		surface:  surface,
		log:      logging.Noop(),
		entities: make(map[string]*entity),
		owners:   make(map[render.Handle]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// MarkerSize returns the pixel size for a record given the selection and
// scale.
func MarkerSize(selected bool, scale float64) float64 {
	if selected {
		return SelectedMarkerSize
	}
	if scale <= 0 {
		scale = 1
	}
	return BaseMarkerSize * scale
}

// Apply reconciles the surface against set. After it returns the markers are
// exactly the ids of set. Labels follow settings.ShowLabels: stale labels are
// removed while labels are on and only hidden while they are off.
func (e *Engine) Apply(set model.PositionSet, settings Settings) Result {
	var res Result

	staleMarkers := make(map[string]struct{}, len(e.entities))
	staleLabels := make(map[string]struct{}, len(e.entities))
	for id, ent := range e.entities {
		if ent.marker != 0 {
			staleMarkers[id] = struct{}{}
		}
		if ent.label != 0 {
			staleLabels[id] = struct{}{}
		}
	}

	for _, rec := range set.Records {
		ent, ok := e.entities[rec.ID]
		if !ok {
			ent = &entity{}
			e.entities[rec.ID] = ent
		}
		pos := render.Position{Longitude: rec.Longitude, Latitude: rec.Latitude, Altitude: rec.Altitude}

		color := DefaultColor
		if settings.ColorByOrbitType {
			color = OrbitColor(rec.OrbitType)
		}
		marker := render.MarkerSpec{
			Position:  pos,
			Color:     color,
			PixelSize: MarkerSize(rec.ID == settings.SelectedID && settings.SelectedID != "", settings.SatelliteScale),
		}
		if ent.marker != 0 {
			e.surface.UpdateMarker(ent.marker, marker)
			res.Updated++
		} else {
			ent.marker = e.surface.AddMarker(marker)
			e.owners[ent.marker] = rec.ID
			res.Added++
		}
		delete(staleMarkers, rec.ID)

		if settings.ShowLabels {
			label := render.LabelSpec{Position: pos, Text: rec.Label(), Visible: true}
			if ent.label != 0 {
				e.surface.UpdateLabel(ent.label, label)
				res.LabelsUpdated++
			} else {
				ent.label = e.surface.AddLabel(label)
				e.owners[ent.label] = rec.ID
				res.LabelsAdded++
			}
			ent.labelVisible = true
			delete(staleLabels, rec.ID)
		}
	}

	for id := range staleMarkers {
		ent := e.entities[id]
		e.surface.RemoveMarker(ent.marker)
		delete(e.owners, ent.marker)
		ent.marker = 0
		res.Removed++
		if ent.label == 0 {
			delete(e.entities, id)
		}
	}

	for id := range staleLabels {
		ent := e.entities[id]
		if !settings.ShowLabels {
			continue
		}
		e.surface.RemoveLabel(ent.label)
		delete(e.owners, ent.label)
		ent.label = 0
		ent.labelVisible = false
		res.LabelsRemoved++
		if ent.marker == 0 {
			delete(e.entities, id)
		}
	}

	if !settings.ShowLabels {
		for _, ent := range e.entities {
			if ent.label != 0 && ent.labelVisible {
				e.surface.SetLabelVisible(ent.label, false)
				ent.labelVisible = false
				res.LabelsHidden++
			}
		}
	}

	if settings.SelectedID != e.selected {
		e.selected = settings.SelectedID
		if rec, ok := set.Find(settings.SelectedID); ok {
			e.surface.FlyTo(render.Position{
				Longitude: rec.Longitude,
				Latitude:  rec.Latitude,
				Altitude:  rec.Altitude + FlyToAltitudeOffset,
			}, FlyToDuration)
			res.FlewTo = true
		}
	}

	if e.metrics != nil {
		e.metrics.ObserveReconcile(res.Added, res.Updated, res.Removed, res.LabelsHidden)
	}
	e.log.Debug(context.Background(), "reconciled",
		logging.String("scenario_id", set.ScenarioID),
		logging.Int("records", set.Len()),
		logging.Int("added", res.Added),
		logging.Int("updated", res.Updated),
		logging.Int("removed", res.Removed),
	)
	return res
}

// Owner returns the id whose marker or label is addressed by h.
func (e *Engine) Owner(h render.Handle) (string, bool) {
	id, ok := e.owners[h]
	return id, ok
}

// Handles returns the marker and label handles tracked for id. A zero handle
// means the primitive does not exist.
func (e *Engine) Handles(id string) (marker, label render.Handle, ok bool) {
	ent, ok := e.entities[id]
	if !ok {
		return 0, 0, false
	}
	return ent.marker, ent.label, true
}

// MarkerIDs returns the ids that currently have a marker, sorted.
func (e *Engine) MarkerIDs() []string {
	ids := make([]string, 0, len(e.entities))
	for id, ent := range e.entities {
		if ent.marker != 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of markers.
func (e *Engine) Len() int {
	n := 0
	for _, ent := range e.entities {
		if ent.marker != 0 {
			n++
		}
	}
	return n
}

// Close releases every handle owned by the engine.
func (e *Engine) Close() {
	for id, ent := range e.entities {
		if ent.marker != 0 {
			e.surface.RemoveMarker(ent.marker)
		}
		if ent.label != 0 {
			e.surface.RemoveLabel(ent.label)
		}
		delete(e.entities, id)
	}
	e.owners = make(map[render.Handle]string)
	e.selected = ""
}

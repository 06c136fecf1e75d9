package devsource

import (
	"errors"
	"fmt"
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/constellation-viewer/model"
)

// PropagatorName is reported in response metadata.
const PropagatorName = "SGP4"

// ErrPropagation is returned when SGP4 produces an unusable state.
var ErrPropagation = errors.New("propagation failed")

// Plausible geocentric radius range for a propagated state, in km.
const (
	minRadiusKm = 6200.0
	maxRadiusKm = 50000.0
)

// Satellite is one tracked object with its SGP4 state.
type Satellite struct {
	ID           string
	Name         string
	OrbitType    model.OrbitType
	MeanMotion   float64
	Eccentricity float64
	TLE          TLE

	sat satellite.Satellite
}

// NewSatellite validates t and initialises the SGP4 model. The orbit class is
// derived from mean motion and eccentricity.
func NewSatellite(t TLE) (*Satellite, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	mm, _ := t.MeanMotion()
	ecc, _ := t.Eccentricity()

	sat := satellite.TLEToSat(t.Line1, t.Line2, satellite.GravityWGS72)
	if sat.Error != 0 {
		return nil, fmt.Errorf("%w: sgp4 init for %s: code=%d %s", ErrPropagation, t.CatalogNumber(), sat.Error, sat.ErrorStr)
	}
	return &Satellite{
		ID:           t.CatalogNumber(),
		Name:         t.DisplayName(),
		OrbitType:    model.ClassifyOrbit(mm, ecc),
		MeanMotion:   mm,
		Eccentricity: ecc,
		TLE:          t,
		sat:          sat,
	}, nil
}

// Info returns the listing form of the satellite.
func (s *Satellite) Info() model.SatelliteInfo {
	return model.SatelliteInfo{ID: s.ID, Name: s.Name, OrbitType: s.OrbitType}
}

// State is a propagated satellite state in the Earth-fixed frame.
type State struct {
	Position Vec3    // ECEF, km
	Speed    float64 // km/s
}

// Propagate computes the state at t. go-satellite takes whole seconds, so the
// sub-second remainder is applied along the velocity vector.
func (s *Satellite) Propagate(t time.Time) (State, error) {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	frac := float64(t.Nanosecond()) / float64(time.Second)

	posECI, velECI := satellite.Propagate(s.sat, year, int(month), day, hour, min, sec)
	posECI.X += velECI.X * frac
	posECI.Y += velECI.Y * frac
	posECI.Z += velECI.Z * frac

	pos := Vec3{X: posECI.X, Y: posECI.Y, Z: posECI.Z}
	if !finite(pos.X, pos.Y, pos.Z, velECI.X, velECI.Y, velECI.Z) {
		return State{}, fmt.Errorf("%w: %s: output is NaN/Inf", ErrPropagation, s.ID)
	}
	if r := pos.Norm(); r < minRadiusKm || r > maxRadiusKm {
		return State{}, fmt.Errorf("%w: %s: unreasonable radius %.1f km", ErrPropagation, s.ID, r)
	}

	jd := satellite.JDay(year, int(month), day, hour, min, sec) + frac/86400
	gmst := satellite.ThetaG_JD(jd)
	posECEF := satellite.ECIToECEF(posECI, gmst)

	return State{
		Position: Vec3{X: posECEF.X, Y: posECEF.Y, Z: posECEF.Z},
		Speed:    Vec3{X: velECI.X, Y: velECI.Y, Z: velECI.Z}.Norm(),
	}, nil
}

// Record converts a propagated state into the wire record of s.
func (s *Satellite) Record(st State) model.PositionRecord {
	lon, lat, alt := st.Position.Geodetic()
	return model.PositionRecord{
		ID:          s.ID,
		DisplayName: s.Name,
		OrbitType:   s.OrbitType,
		Longitude:   lon,
		Latitude:    lat,
		Altitude:    alt,
		Velocity:    st.Speed,
	}
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

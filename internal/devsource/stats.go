package devsource

import (
	"math"

	"github.com/signalsfoundry/constellation-viewer/model"
)

// MinCoverageElevation is the elevation mask for a ground point to count as
// covered, in degrees.
const MinCoverageElevation = 10.0

// Coverage grid spacing in degrees. Latitudes beyond ±80° are not sampled.
const (
	gridLatStep = 10.0
	gridLonStep = 15.0
	gridLatMax  = 80.0
)

// observerLiftKm raises grid points off the sphere so the line-of-sight test
// does not treat the observer itself as blocked.
const observerLiftKm = 0.01

type gridPoint struct {
	pos    Vec3
	weight float64
}

var coverageGrid = buildGrid()

func buildGrid() []gridPoint {
	var grid []gridPoint
	for lat := -gridLatMax; lat <= gridLatMax; lat += gridLatStep {
		for lon := -180.0; lon < 180; lon += gridLonStep {
			p := SurfacePoint(lon, lat)
			scale := (EarthRadiusKm + observerLiftKm) / EarthRadiusKm
			grid = append(grid, gridPoint{
				pos:    Vec3{X: p.X * scale, Y: p.Y * scale, Z: p.Z * scale},
				weight: math.Cos(lat * math.Pi / 180),
			})
		}
	}
	return grid
}

// Coverage returns the area-weighted percentage of the sampled ground grid
// that sees at least one satellite above MinCoverageElevation.
func Coverage(positions []Vec3) float64 {
	if len(positions) == 0 {
		return 0
	}
	var covered, total float64
	for _, g := range coverageGrid {
		total += g.weight
		for _, sat := range positions {
			if ElevationDegrees(g.pos, sat) >= MinCoverageElevation && hasLineOfSight(g.pos, sat) {
				covered += g.weight
				break
			}
		}
	}
	return covered / total * 100
}

// summarize returns min, max and mean of values.
func summarize(values []float64) (lo, hi, mean float64) {
	if len(values) == 0 {
		return 0, 0, 0
	}
	lo, hi = values[0], values[0]
	var sum float64
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
		sum += v
	}
	return lo, hi, sum / float64(len(values))
}

// Stats computes the comparison statistics of s on metric from records and
// states propagated at one instant.
func Stats(s *Scenario, metric model.CompareMetric, records []model.PositionRecord, states []State) model.ScenarioStats {
	out := model.ScenarioStats{Name: s.Name, SatelliteCount: len(s.Satellites)}
	switch metric {
	case model.MetricAltitude:
		values := make([]float64, 0, len(records))
		for _, r := range records {
			values = append(values, r.Altitude/1000)
		}
		out.Min, out.Max, out.Mean = summarize(values)
		out.Unit = "km"
	case model.MetricVelocity:
		values := make([]float64, 0, len(records))
		for _, r := range records {
			values = append(values, r.Velocity)
		}
		out.Min, out.Max, out.Mean = summarize(values)
		out.Unit = "km/s"
	case model.MetricCoverage:
		positions := make([]Vec3, 0, len(states))
		for _, st := range states {
			positions = append(positions, st.Position)
		}
		out.Coverage = Coverage(positions)
		out.Unit = "%"
	}
	return out
}

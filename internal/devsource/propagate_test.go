package devsource

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/constellation-viewer/model"
)

func mustSatellite(t *testing.T, e Elements) *Satellite {
	t.Helper()
	if e.Epoch.IsZero() {
		e.Epoch = testEpoch
	}
	sat, err := NewSatellite(e.TLE())
	if err != nil {
		t.Fatalf("NewSatellite: %v", err)
	}
	return sat
}

func TestNewSatelliteRejectsInvalidTLE(t *testing.T) {
	_, err := NewSatellite(TLE{Line1: corruptChecksum(refLine1), Line2: refLine2})
	if !errors.Is(err, ErrInvalidTLE) {
		t.Fatalf("err = %v, want ErrInvalidTLE", err)
	}
}

func TestPropagateLowEarthOrbit(t *testing.T) {
	sat := mustSatellite(t, stations[0])
	if sat.ID != "25544" || sat.Name != "ISS (ZARYA)" || sat.OrbitType != model.OrbitLEO {
		t.Fatalf("satellite = %+v", sat)
	}

	for _, offset := range []time.Duration{0, 37 * time.Minute, 6 * time.Hour} {
		st, err := sat.Propagate(testEpoch.Add(offset))
		if err != nil {
			t.Fatalf("Propagate(+%v): %v", offset, err)
		}
		rec := sat.Record(st)
		if rec.Altitude < 300e3 || rec.Altitude > 500e3 {
			t.Fatalf("altitude at +%v = %.0f m, want 300-500 km", offset, rec.Altitude)
		}
		if rec.Velocity < 7.0 || rec.Velocity > 8.0 {
			t.Fatalf("velocity at +%v = %.3f km/s", offset, rec.Velocity)
		}
		if math.Abs(rec.Latitude) > 52.5 {
			t.Fatalf("latitude at +%v = %.2f exceeds inclination", offset, rec.Latitude)
		}
		if rec.Longitude < -180 || rec.Longitude > 180 {
			t.Fatalf("longitude at +%v = %.2f", offset, rec.Longitude)
		}
	}
}

func TestPropagateGeostationaryIsEarthFixed(t *testing.T) {
	sat := mustSatellite(t, geoShell.Elements(testEpoch)[3])
	if sat.OrbitType != model.OrbitGEO {
		t.Fatalf("OrbitType = %s, want GEO", sat.OrbitType)
	}

	first, err := sat.Propagate(testEpoch)
	if err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	later, err := sat.Propagate(testEpoch.Add(2 * time.Hour))
	if err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	a, b := sat.Record(first), sat.Record(later)
	if math.Abs(a.Altitude/1000-35786) > 150 {
		t.Fatalf("altitude = %.0f km, want about 35786", a.Altitude/1000)
	}
	if math.Abs(a.Latitude) > 1 {
		t.Fatalf("latitude = %.3f, want equatorial", a.Latitude)
	}
	// An inertial longitude would move about 30° in two hours.
	if d := math.Abs(a.Longitude - b.Longitude); d > 1 && d < 359 {
		t.Fatalf("longitude drifted %.3f° in two hours", d)
	}
	if a.Velocity < 2.9 || a.Velocity > 3.2 {
		t.Fatalf("velocity = %.3f km/s", a.Velocity)
	}
}

func TestPropagateSubSecond(t *testing.T) {
	sat := mustSatellite(t, stations[0])
	at := testEpoch.Add(10 * time.Minute)
	whole, err := sat.Propagate(at)
	if err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	half, err := sat.Propagate(at.Add(500 * time.Millisecond))
	if err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	moved := half.Position.Sub(whole.Position).Norm()
	// Half a second at ~7.7 km/s, plus a little Earth rotation.
	if moved < 3 || moved > 4.5 {
		t.Fatalf("moved %.3f km in 500ms, want about 3.8", moved)
	}
}

func TestOrbitClassesOfBuiltinShells(t *testing.T) {
	cases := []struct {
		shell Shell
		want  model.OrbitType
	}{
		{starlinkShell, model.OrbitLEO},
		{onewebShell, model.OrbitLEO},
		{iridiumShell, model.OrbitLEO},
		{gpsShell, model.OrbitMEO},
		{geoShell, model.OrbitGEO},
		{molniyaShell, model.OrbitHEO},
	}
	for _, tc := range cases {
		t.Run(tc.shell.Prefix, func(t *testing.T) {
			sat := mustSatellite(t, tc.shell.Elements(testEpoch)[0])
			if sat.OrbitType != tc.want {
				t.Fatalf("OrbitType = %s, want %s", sat.OrbitType, tc.want)
			}
		})
	}
}

func TestShellElements(t *testing.T) {
	els := iridiumShell.Elements(testEpoch)
	if len(els) != 66 {
		t.Fatalf("len = %d, want 66", len(els))
	}
	if els[0].Name != "IRIDIUM-1" || els[65].CatalogNumber != iridiumShell.FirstCatalog+65 {
		t.Fatalf("first = %+v, last = %+v", els[0], els[65])
	}
	// Six planes over 180° of RAAN.
	if els[11].RAAN != 30 || els[11].MeanAnomaly != 16 {
		t.Fatalf("second plane RAAN = %v, M = %v", els[11].RAAN, els[11].MeanAnomaly)
	}
}

func TestGeodetic(t *testing.T) {
	lon, lat, alt := Vec3{X: 0, Y: EarthRadiusKm + 1000, Z: 0}.Geodetic()
	if math.Abs(lon-90) > 1e-9 || lat != 0 || alt != 1e6 {
		t.Fatalf("Geodetic = %v, %v, %v", lon, lat, alt)
	}
	p := SurfacePoint(-45, 30)
	lon, lat, alt = p.Geodetic()
	if math.Abs(lon+45) > 1e-9 || math.Abs(lat-30) > 1e-9 || math.Abs(alt) > 1e-6 {
		t.Fatalf("SurfacePoint round trip = %v, %v, %v", lon, lat, alt)
	}
}

func TestElevationAndLineOfSight(t *testing.T) {
	observer := SurfacePoint(0, 0)
	overhead := Vec3{X: EarthRadiusKm + 500}
	if el := ElevationDegrees(observer, overhead); math.Abs(el-90) > 1e-9 {
		t.Fatalf("overhead elevation = %v", el)
	}
	antipode := Vec3{X: -(EarthRadiusKm + 500)}
	if hasLineOfSight(Vec3{X: EarthRadiusKm + 1}, antipode) {
		t.Fatalf("antipodal satellite must be blocked")
	}
	if el := ElevationDegrees(observer, antipode); el >= 0 {
		t.Fatalf("antipodal elevation = %v, want negative", el)
	}
}

func TestCoverage(t *testing.T) {
	if got := Coverage(nil); got != 0 {
		t.Fatalf("Coverage(nil) = %v", got)
	}
	overhead := SurfacePoint(0, 0)
	scale := (EarthRadiusKm + 550) / EarthRadiusKm
	single := Coverage([]Vec3{{X: overhead.X * scale, Y: overhead.Y * scale, Z: overhead.Z * scale}})
	if single <= 0 || single > 5 {
		t.Fatalf("single LEO coverage = %.2f%%", single)
	}

	var belt []Vec3
	for _, e := range geoShell.Elements(testEpoch) {
		st, err := mustSatellite(t, e).Propagate(testEpoch)
		if err != nil {
			t.Fatalf("Propagate: %v", err)
		}
		belt = append(belt, st.Position)
	}
	if got := Coverage(belt); got < 50 || got > 100 {
		t.Fatalf("GEO belt coverage = %.2f%%", got)
	}
}

func TestStats(t *testing.T) {
	sc := &Scenario{Name: "Test", Satellites: make([]*Satellite, 3)}
	records := []model.PositionRecord{
		{Altitude: 500e3, Velocity: 7.6},
		{Altitude: 700e3, Velocity: 7.5},
		{Altitude: 900e3, Velocity: 7.4},
	}

	alt := Stats(sc, model.MetricAltitude, records, nil)
	if alt.Min != 500 || alt.Max != 900 || alt.Mean != 700 || alt.Unit != "km" || alt.SatelliteCount != 3 {
		t.Fatalf("altitude stats = %+v", alt)
	}
	vel := Stats(sc, model.MetricVelocity, records, nil)
	if vel.Min != 7.4 || vel.Max != 7.6 || vel.Unit != "km/s" {
		t.Fatalf("velocity stats = %+v", vel)
	}
	count := Stats(sc, model.MetricCount, nil, nil)
	if count.SatelliteCount != 3 || count.Name != "Test" || count.Unit != "" {
		t.Fatalf("count stats = %+v", count)
	}
	empty := Stats(sc, model.MetricAltitude, nil, nil)
	if empty.Min != 0 || empty.Max != 0 || empty.Mean != 0 {
		t.Fatalf("empty stats = %+v", empty)
	}
}

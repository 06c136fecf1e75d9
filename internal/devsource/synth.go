package devsource

import (
	"fmt"
	"time"
)

// Shell describes a Walker-style constellation shell: Planes evenly spaced in
// RAAN, PerPlane satellites evenly spaced in mean anomaly, with Phasing
// degrees of offset between adjacent planes.
type Shell struct {
	Prefix       string
	FirstCatalog int
	Designator   string
	Planes       int
	PerPlane     int
	Inclination  float64
	MeanMotion   float64
	Eccentricity float64
	ArgPerigee   float64
	Phasing      float64
	RAANOffset   float64
	RAANSpread   float64 // 0 means a full 360°
}

// Elements expands the shell into element sets at epoch.
func (sh Shell) Elements(epoch time.Time) []Elements {
	spread := sh.RAANSpread
	if spread == 0 {
		spread = 360
	}
	out := make([]Elements, 0, sh.Planes*sh.PerPlane)
	for p := 0; p < sh.Planes; p++ {
		raan := sh.RAANOffset + spread*float64(p)/float64(sh.Planes)
		for k := 0; k < sh.PerPlane; k++ {
			n := p*sh.PerPlane + k
			out = append(out, Elements{
				CatalogNumber: sh.FirstCatalog + n,
				Name:          fmt.Sprintf("%s-%d", sh.Prefix, n+1),
				Designator:    sh.Designator,
				Epoch:         epoch,
				Inclination:   sh.Inclination,
				RAAN:          raan,
				Eccentricity:  sh.Eccentricity,
				ArgPerigee:    sh.ArgPerigee,
				MeanAnomaly:   360*float64(k)/float64(sh.PerPlane) + sh.Phasing*float64(p),
				MeanMotion:    sh.MeanMotion,
			})
		}
	}
	return out
}

// ScenarioDef is a built-in scenario: a set of shells plus single objects.
type ScenarioDef struct {
	ID          string
	Name        string
	Description string
	Shells      []Shell
	Objects     []Elements
	// Sample, when set, keeps only the first Sample satellites of each shell.
	Sample int
}

// Elements expands the definition at epoch.
func (d ScenarioDef) Elements(epoch time.Time) []Elements {
	var out []Elements
	for _, sh := range d.Shells {
		els := sh.Elements(epoch)
		if d.Sample > 0 && len(els) > d.Sample {
			els = els[:d.Sample]
		}
		out = append(out, els...)
	}
	for _, o := range d.Objects {
		o.Epoch = epoch
		out = append(out, o)
	}
	return out
}

var (
	starlinkShell = Shell{Prefix: "STARLINK", FirstCatalog: 44000, Designator: "19074A",
		Planes: 24, PerPlane: 22, Inclination: 53, MeanMotion: 15.06, Eccentricity: 0.0001, Phasing: 5}
	onewebShell = Shell{Prefix: "ONEWEB", FirstCatalog: 48000, Designator: "20008A",
		Planes: 12, PerPlane: 20, Inclination: 87.9, MeanMotion: 13.16, Eccentricity: 0.0002, RAANSpread: 180}
	iridiumShell = Shell{Prefix: "IRIDIUM", FirstCatalog: 41900, Designator: "17003A",
		Planes: 6, PerPlane: 11, Inclination: 86.4, MeanMotion: 14.342, Eccentricity: 0.0002, RAANSpread: 180, Phasing: 16}
	gpsShell = Shell{Prefix: "GPS", FirstCatalog: 32000, Designator: "08012A",
		Planes: 6, PerPlane: 4, Inclination: 55, MeanMotion: 2.0056, Eccentricity: 0.01, Phasing: 15}
	geoShell = Shell{Prefix: "GEO", FirstCatalog: 36000, Designator: "09058A",
		Planes: 1, PerPlane: 12, Inclination: 0.05, MeanMotion: 1.0027, Eccentricity: 0.0002}
	molniyaShell = Shell{Prefix: "MOLNIYA", FirstCatalog: 40000, Designator: "14069A",
		Planes: 3, PerPlane: 2, Inclination: 63.4, MeanMotion: 2.006, Eccentricity: 0.72, ArgPerigee: 270}

	stations = []Elements{
		{CatalogNumber: 25544, Name: "ISS (ZARYA)", Designator: "98067A", Inclination: 51.64, RAAN: 115.9, Eccentricity: 0.0002, ArgPerigee: 61.3, MeanAnomaly: 35.9, MeanMotion: 15.49},
		{CatalogNumber: 48274, Name: "CSS (TIANHE)", Designator: "21035A", Inclination: 41.47, RAAN: 220.4, Eccentricity: 0.0006, ArgPerigee: 12.8, MeanAnomaly: 140.2, MeanMotion: 15.6},
		{CatalogNumber: 20580, Name: "HST", Designator: "90037B", Inclination: 28.47, RAAN: 302.1, Eccentricity: 0.0003, ArgPerigee: 88.1, MeanAnomaly: 271.9, MeanMotion: 15.09},
	}
)

// BuiltinScenarios are the synthetic scenarios served when no TLE file is
// configured. "active" is assembled from the others by the catalog.
var BuiltinScenarios = []ScenarioDef{
	{ID: "starlink", Name: "Starlink", Description: "SpaceX Starlink constellation shell at 53°", Shells: []Shell{starlinkShell}},
	{ID: "oneweb", Name: "OneWeb", Description: "OneWeb polar constellation", Shells: []Shell{onewebShell}},
	{ID: "iridium", Name: "Iridium", Description: "Iridium NEXT polar constellation", Shells: []Shell{iridiumShell}},
	{ID: "gps", Name: "GPS", Description: "Global Positioning System operational satellites", Shells: []Shell{gpsShell}},
	{ID: "space-stations", Name: "Space Stations", Description: "Crewed stations and large observatories", Objects: stations},
	{ID: "geo", Name: "Geostationary", Description: "Geostationary belt", Shells: []Shell{geoShell}},
	{ID: "molniya", Name: "Molniya", Description: "Highly elliptical Molniya orbits", Shells: []Shell{molniyaShell}},
	{ID: "mixed", Name: "Mixed", Description: "A sample of every orbit class",
		Shells: []Shell{starlinkShell, iridiumShell, gpsShell, geoShell, molniyaShell}, Objects: stations[:1], Sample: 12},
}

// ActiveScenario is the id of the union of every other scenario.
const ActiveScenario = "active"

package model

// minutesPerDay converts mean motion (revolutions per day) to a period.
const minutesPerDay = 1440.0

const heoEccentricity = 0.25

// ClassifyOrbit derives an orbit class from TLE mean motion (rev/day) and
// eccentricity. Strongly eccentric orbits are HEO regardless of period.
// Otherwise period thresholds approximate the altitude bands: under 128
// minutes is LEO, under 720 minutes is MEO, a near-circular ~24h orbit is GEO,
// anything else is HEO.
func ClassifyOrbit(meanMotion, eccentricity float64) OrbitType {
	if meanMotion <= 0 || eccentricity >= heoEccentricity {
		return OrbitHEO
	}
	period := minutesPerDay / meanMotion

	switch {
	case period < 128:
		return OrbitLEO
	case period < 720:
		return OrbitMEO
	case period > 1430 && period < 1450 && eccentricity < 0.01:
		return OrbitGEO
	default:
		return OrbitHEO
	}
}

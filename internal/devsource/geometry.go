package devsource

import "math"

// EarthRadiusKm is the mean Earth radius used for altitude and coverage
// calculations (kilometres).
const EarthRadiusKm = 6371.0

// Vec3 is an ECEF vector in kilometres.
type Vec3 struct {
	X, Y, Z float64
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Sub returns v - other.
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Dot returns the dot product of two vectors.
func (v Vec3) Dot(other Vec3) float64 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

// Geodetic converts v to spherical longitude and latitude in degrees and the
// altitude above the mean radius in metres.
func (v Vec3) Geodetic() (lon, lat, altM float64) {
	r := v.Norm()
	if r == 0 {
		return 0, 0, -EarthRadiusKm * 1000
	}
	lon = math.Atan2(v.Y, v.X) * 180 / math.Pi
	lat = math.Asin(v.Z/r) * 180 / math.Pi
	return lon, lat, (r - EarthRadiusKm) * 1000
}

// SurfacePoint returns the ECEF position of a point on the mean sphere.
func SurfacePoint(lon, lat float64) Vec3 {
	lonR := lon * math.Pi / 180
	latR := lat * math.Pi / 180
	return Vec3{
		X: EarthRadiusKm * math.Cos(latR) * math.Cos(lonR),
		Y: EarthRadiusKm * math.Cos(latR) * math.Sin(lonR),
		Z: EarthRadiusKm * math.Sin(latR),
	}
}

// hasLineOfSight reports whether the segment between p1 and p2 clears the
// Earth sphere.
func hasLineOfSight(p1, p2 Vec3) bool {
	v := p2.Sub(p1)
	a := v.Dot(v)
	if a == 0 {
		return p1.Dot(p1) > EarthRadiusKm*EarthRadiusKm
	}

	// Closest point on the segment to the Earth's centre.
	t := -p1.Dot(v) / a
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	closest := Vec3{
		X: p1.X + v.X*t,
		Y: p1.Y + v.Y*t,
		Z: p1.Z + v.Z*t,
	}
	// Grazing counts as blocked; surface observers sit exactly on the sphere
	// so their own endpoint is nudged outward by the caller.
	return closest.Dot(closest) > EarthRadiusKm*EarthRadiusKm
}

// ElevationDegrees returns the elevation angle of the target as seen from
// the observer, in degrees. 0° = geometric horizon, 90° = overhead.
func ElevationDegrees(observer, target Vec3) float64 {
	v := target.Sub(observer)
	vNorm := v.Norm()
	if vNorm == 0 {
		return 90
	}
	r := observer.Norm()
	if r == 0 {
		return 90
	}
	zenith := Vec3{X: observer.X / r, Y: observer.Y / r, Z: observer.Z / r}

	cosGamma := v.Dot(zenith) / vNorm
	if cosGamma > 1 {
		cosGamma = 1
	} else if cosGamma < -1 {
		cosGamma = -1
	}
	return 90.0 - math.Acos(cosGamma)*180.0/math.Pi
}

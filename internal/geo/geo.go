// Package geo implements great-circle distance and circular fence containment.
package geo

import (
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used for all distance calculations.
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64
	Lng float64
}

// Fence is a circular region around Center.
type Fence struct {
	Center       Point
	RadiusMeters int
}

// DistanceMeters returns the haversine great-circle distance between two points
// given in degrees. NaN inputs propagate to a NaN result.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lng2 - lng1)

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda

	// Rounding can push sqrt(a) just past 1 near antipodal points.
	c := 2 * math.Asin(math.Min(1, math.Sqrt(a)))
	return EarthRadiusMeters * c
}

// Distance returns the distance in meters from p to the fence center.
func Distance(p Point, f Fence) float64 {
	return DistanceMeters(f.Center.Lat, f.Center.Lng, p.Lat, p.Lng)
}

// boundaryTolerance absorbs floating-point noise so that a point computed to lie
// exactly on the circle is classified as inside.
const boundaryTolerance = 1e-6 // meters

// IsInside reports whether p lies within f. The boundary is inclusive.
func IsInside(p Point, f Fence) bool {
	return Distance(p, f) <= float64(f.RadiusMeters)+boundaryTolerance
}

// ValidPoint returns an error if p is not a finite coordinate within
// [-90,90] latitude and [-180,180] longitude.
func ValidPoint(p Point) error {
	if !finite(p.Lat) || !finite(p.Lng) {
		return fmt.Errorf("coordinates must be finite numbers")
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90,90]", p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("longitude %v out of range [-180,180]", p.Lng)
	}
	return nil
}

// Destination returns the point reached by travelling meters from p along the
// initial bearing bearingDeg (clockwise from north) on the spherical Earth.
func Destination(p Point, bearingDeg, meters float64) Point {
	delta := meters / EarthRadiusMeters
	theta := toRadians(bearingDeg)
	phi1 := toRadians(p.Lat)
	lambda1 := toRadians(p.Lng)

	sinPhi2 := math.Sin(phi1)*math.Cos(delta) + math.Cos(phi1)*math.Sin(delta)*math.Cos(theta)
	phi2 := math.Asin(sinPhi2)
	y := math.Sin(theta) * math.Sin(delta) * math.Cos(phi1)
	x := math.Cos(delta) - math.Sin(phi1)*sinPhi2
	lambda2 := lambda1 + math.Atan2(y, x)

	// normalise to [-180,180)
	lng := math.Mod(toDegrees(lambda2)+540, 360) - 180
	return Point{Lat: toDegrees(phi2), Lng: lng}
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

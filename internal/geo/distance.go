// Package geo holds the pure coordinate math used by the simulator, the route
// optimizer and the proximity verifier.
package geo

import (
	"fmt"
	"math"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean Earth radius used for every great-circle distance.
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// CoordinateError describes a coordinate that cannot be used for distance math.
type CoordinateError struct {
	Lat, Lon float64
	Reason   string
}

func (e *CoordinateError) Error() string {
	return fmt.Sprintf("invalid coordinate (%v, %v): %s", e.Lat, e.Lon, e.Reason)
}

// Check reports whether lat/lon are finite and within [-90,90] x [-180,180].
func Check(lat, lon float64) error {
	switch {
	case math.IsNaN(lat) || math.IsNaN(lon):
		return &CoordinateError{Lat: lat, Lon: lon, Reason: "NaN"}
	case math.IsInf(lat, 0) || math.IsInf(lon, 0):
		return &CoordinateError{Lat: lat, Lon: lon, Reason: "infinite"}
	case lat < -90 || lat > 90:
		return &CoordinateError{Lat: lat, Lon: lon, Reason: "latitude out of range"}
	case lon < -180 || lon > 180:
		return &CoordinateError{Lat: lat, Lon: lon, Reason: "longitude out of range"}
	}
	return nil
}

// IsZero reports the (0,0) "no location" sentinel.
func IsZero(lat, lon float64) bool { return lat == 0 && lon == 0 }

// HaversineMeters returns the great-circle distance between two points in meters.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// HaversineKm is HaversineMeters in kilometers.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	return HaversineMeters(lat1, lon1, lat2, lon2) / 1000
}

// Bearing returns the initial bearing from point 1 to point 2 in degrees [0,360).
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	lonDiff := (lon2 - lon1) * math.Pi / 180

	y := math.Sin(lonDiff) * math.Cos(lat2Rad)
	x := math.Cos(lat1Rad)*math.Sin(lat2Rad) - math.Sin(lat1Rad)*math.Cos(lat2Rad)*math.Cos(lonDiff)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// Destination returns the point reached from lat/lon after travelling meters
// along the given bearing (degrees) on a great circle. Longitude is wrapped
// into [-180, 180].
func Destination(lat, lon, bearing, meters float64) (float64, float64) {
	p := s2.LatLngFromDegrees(lat, lon)
	brng := bearing * math.Pi / 180
	ang := meters / EarthRadiusMeters

	latRad := p.Lat.Radians()
	lonRad := p.Lng.Radians()

	lat2 := math.Asin(math.Sin(latRad)*math.Cos(ang) + math.Cos(latRad)*math.Sin(ang)*math.Cos(brng))
	lon2 := lonRad + math.Atan2(
		math.Sin(brng)*math.Sin(ang)*math.Cos(latRad),
		math.Cos(ang)-math.Sin(latRad)*math.Sin(lat2))

	ll := s2.LatLng{Lat: s1.Angle(lat2), Lng: s1.Angle(lon2)}.Normalized()
	return ll.Lat.Degrees(), ll.Lng.Degrees()
}

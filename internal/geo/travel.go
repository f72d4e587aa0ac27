package geo

import "math"

// DefaultSpeedKmph is the assumed average collection-vehicle speed
// (24 km/h, roughly 400 m per minute of urban stop-and-go driving).
const DefaultSpeedKmph = 24.0

// TravelMinutes estimates whole minutes to cover km at speedKmph, rounded up.
// Zero or negative distances take zero minutes.
func TravelMinutes(km, speedKmph float64) int {
	if km <= 0 {
		return 0
	}
	if speedKmph <= 0 {
		speedKmph = DefaultSpeedKmph
	}
	return int(math.Ceil(km / speedKmph * 60))
}

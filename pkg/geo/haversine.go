package geo

import "math"

// earthRadiusM is the mean Earth radius used for the spherical approximation.
const earthRadiusM = 6371000.0

// Point is a WGS-84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DistanceMeters computes the great-circle distance between two points using
// the haversine formula. Deterministic and symmetric; the submitting client
// runs the same formula for pre-flight feedback, so the two sides agree.
func DistanceMeters(a, b Point) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)

	h := sinLat*sinLat + math.Cos(latA)*math.Cos(latB)*sinLng*sinLng
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusM * c
}

// WithinRadius reports whether b lies within radiusM meters of a.
func WithinRadius(a, b Point, radiusM float64) bool {
	return DistanceMeters(a, b) <= radiusM
}

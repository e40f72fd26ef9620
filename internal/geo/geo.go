package geo

import (
	"errors"
	"math"
)

// ErrInvalidCoordinate is returned when a latitude or longitude is outside
// the valid decimal-degree range.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// earthRadiusM is the mean Earth radius in meters.
const earthRadiusM = 6371000

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point is within coordinate range.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Fence is a circular geofence: center point plus radius in meters.
type Fence struct {
	Center  Point   `json:"center"`
	RadiusM float64 `json:"radius_m"`
}

// Distance computes the great-circle distance between two points in meters
// using the haversine formula.
func Distance(a, b Point) (float64, error) {
	if !a.Valid() || !b.Valid() {
		return 0, ErrInvalidCoordinate
	}

	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusM * c, nil
}

// Inside reports whether p falls within the fence, along with the measured
// distance from the fence center so callers can log or surface it.
// A point exactly at the radius counts as inside.
func Inside(p Point, f Fence) (bool, float64, error) {
	d, err := Distance(p, f.Center)
	if err != nil {
		return false, 0, err
	}
	return d <= f.RadiusM, d, nil
}

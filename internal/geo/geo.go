// Package geo provides the small set of geographic and planar-geometry
// primitives shared by the trajectory and ETA engines.
package geo

import "math"

// EarthRadiusKM is the mean Earth radius used for great-circle math.
const EarthRadiusKM = 6371.0

// Point is a WGS84 coordinate pair in decimal degrees.
type Point struct {
	Latitude  float64
	Longitude float64
}

// HaversineKM returns the great-circle distance between two points in
// kilometers.
func HaversineKM(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	return 2 * EarthRadiusKM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// PerpendicularDistance returns the perpendicular distance, in degrees,
// from p to the segment (a, b). Trajectory simplification tolerances are
// expressed in degrees, so this works in raw coordinate space rather than
// projected meters. When a and b coincide it degrades to point distance.
func PerpendicularDistance(p, a, b Point) float64 {
	dx := b.Longitude - a.Longitude
	dy := b.Latitude - a.Latitude
	if dx == 0 && dy == 0 {
		return math.Hypot(p.Longitude-a.Longitude, p.Latitude-a.Latitude)
	}
	// Project p onto the segment, clamping to the endpoints.
	t := ((p.Longitude-a.Longitude)*dx + (p.Latitude-a.Latitude)*dy) / (dx*dx + dy*dy)
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	cx := a.Longitude + t*dx
	cy := a.Latitude + t*dy
	return math.Hypot(p.Longitude-cx, p.Latitude-cy)
}

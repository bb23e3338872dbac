// Package trajectory builds simplified polylines from raw position
// history. This file implements Douglas–Peucker simplification.
package trajectory

import (
	"github.com/freightoptimization/tracking/internal/domain"
	"github.com/freightoptimization/tracking/internal/geo"
)

// Simplify reduces points with the Douglas–Peucker algorithm, bounding
// every removed point's perpendicular deviation from the kept polyline to
// at most tolerance (in degrees). The first and last points are always
// preserved; output length never exceeds input length; the input slice is
// not modified. A non-positive tolerance returns a copy of the input.
func Simplify(points []domain.TrajectoryPoint, tolerance float64) []domain.TrajectoryPoint {
	if len(points) <= 2 || tolerance <= 0 {
		out := make([]domain.TrajectoryPoint, len(points))
		copy(out, points)
		return out
	}

	keep := make([]bool, len(points))
	keep[0] = true
	keep[len(points)-1] = true
	simplifySegment(points, 0, len(points)-1, tolerance, keep)

	out := make([]domain.TrajectoryPoint, 0, len(points))
	for i, k := range keep {
		if k {
			out = append(out, points[i])
		}
	}
	return out
}

// simplifySegment recursively marks the point with the largest
// perpendicular deviation from the chord (first, last) and subdivides
// around it while the maximum deviation exceeds tolerance.
func simplifySegment(points []domain.TrajectoryPoint, first, last int, tolerance float64, keep []bool) {
	if last <= first+1 {
		return
	}

	a := pointOf(points[first])
	b := pointOf(points[last])

	maxDist := 0.0
	maxIdx := -1
	for i := first + 1; i < last; i++ {
		d := geo.PerpendicularDistance(pointOf(points[i]), a, b)
		if d > maxDist {
			maxDist = d
			maxIdx = i
		}
	}

	if maxDist > tolerance {
		keep[maxIdx] = true
		simplifySegment(points, first, maxIdx, tolerance, keep)
		simplifySegment(points, maxIdx, last, tolerance, keep)
	}
}

func pointOf(p domain.TrajectoryPoint) geo.Point {
	return geo.Point{Latitude: p.Latitude, Longitude: p.Longitude}
}

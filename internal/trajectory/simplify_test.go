package trajectory

import (
	"math"
	"testing"
	"time"

	"github.com/freightoptimization/tracking/internal/domain"
	"github.com/freightoptimization/tracking/internal/geo"
)

func pt(lat, lon float64, minute int) domain.TrajectoryPoint {
	return domain.TrajectoryPoint{
		Latitude:   lat,
		Longitude:  lon,
		RecordedAt: time.Date(2026, 8, 1, 12, minute, 0, 0, time.UTC),
	}
}

func TestSimplifyPreservesEndpoints(t *testing.T) {
	in := []domain.TrajectoryPoint{
		pt(40.0, -75.0, 0),
		pt(40.001, -75.002, 1),
		pt(40.003, -75.001, 2),
		pt(40.005, -75.004, 3),
	}
	out := Simplify(in, 0.01)
	if len(out) == 0 {
		t.Fatal("non-empty input produced empty output")
	}
	if out[0] != in[0] {
		t.Fatalf("first point changed: %+v", out[0])
	}
	if out[len(out)-1] != in[len(in)-1] {
		t.Fatalf("last point changed: %+v", out[len(out)-1])
	}
}

func TestSimplifyCollapsesCollinearPoints(t *testing.T) {
	in := make([]domain.TrajectoryPoint, 0, 11)
	for i := 0; i <= 10; i++ {
		in = append(in, pt(40.0+float64(i)*0.001, -75.0, i))
	}
	out := Simplify(in, 0.0001)
	if len(out) != 2 {
		t.Fatalf("collinear run simplified to %d points; want 2", len(out))
	}
}

func TestSimplifyKeepsSignificantDetours(t *testing.T) {
	in := []domain.TrajectoryPoint{
		pt(40.0, -75.0, 0),
		pt(40.005, -74.95, 1), // well off the straight chord
		pt(40.01, -75.0, 2),
	}
	out := Simplify(in, 0.0001)
	if len(out) != 3 {
		t.Fatalf("detour dropped: got %d points; want 3", len(out))
	}
}

func TestSimplifyNeverGrows(t *testing.T) {
	in := []domain.TrajectoryPoint{
		pt(40.0, -75.0, 0),
		pt(40.02, -75.01, 1),
		pt(40.01, -75.05, 2),
		pt(40.04, -75.02, 3),
		pt(40.05, -75.06, 4),
	}
	for _, tolerance := range []float64{0.00001, 0.0001, 0.01, 1} {
		out := Simplify(in, tolerance)
		if len(out) > len(in) {
			t.Fatalf("tolerance %v: output grew from %d to %d", tolerance, len(in), len(out))
		}
	}
}

// Every raw point must stay within tolerance of the simplified polyline.
func TestSimplifyDeviationBound(t *testing.T) {
	in := []domain.TrajectoryPoint{
		pt(40.0, -75.0, 0),
		pt(40.0021, -75.0008, 1),
		pt(40.0039, -75.0030, 2),
		pt(40.0052, -75.0011, 3),
		pt(40.0070, -75.0042, 4),
		pt(40.0088, -75.0019, 5),
		pt(40.0100, -75.0050, 6),
	}
	const tolerance = 0.002
	out := Simplify(in, tolerance)

	for _, raw := range in {
		p := geo.Point{Latitude: raw.Latitude, Longitude: raw.Longitude}
		best := math.MaxFloat64
		for i := 1; i < len(out); i++ {
			a := geo.Point{Latitude: out[i-1].Latitude, Longitude: out[i-1].Longitude}
			b := geo.Point{Latitude: out[i].Latitude, Longitude: out[i].Longitude}
			if d := geo.PerpendicularDistance(p, a, b); d < best {
				best = d
			}
		}
		if best > tolerance {
			t.Errorf("raw point (%v, %v) deviates %v from simplified path; tolerance %v",
				raw.Latitude, raw.Longitude, best, tolerance)
		}
	}
}

func TestSimplifyDegenerateInputs(t *testing.T) {
	if out := Simplify(nil, 0.0001); len(out) != 0 {
		t.Fatalf("nil input gave %d points", len(out))
	}
	one := []domain.TrajectoryPoint{pt(40, -75, 0)}
	if out := Simplify(one, 0.0001); len(out) != 1 || out[0] != one[0] {
		t.Fatalf("single point mangled: %+v", out)
	}
	two := []domain.TrajectoryPoint{pt(40, -75, 0), pt(41, -76, 1)}
	if out := Simplify(two, 0.0001); len(out) != 2 {
		t.Fatalf("two points mangled: %+v", out)
	}
}

func TestSimplifyDoesNotMutateInput(t *testing.T) {
	in := []domain.TrajectoryPoint{
		pt(40.0, -75.0, 0),
		pt(40.001, -75.0, 1),
		pt(40.002, -75.0, 2),
	}
	snapshot := make([]domain.TrajectoryPoint, len(in))
	copy(snapshot, in)

	_ = Simplify(in, 0.0001)
	for i := range in {
		if in[i] != snapshot[i] {
			t.Fatalf("input mutated at %d", i)
		}
	}
}

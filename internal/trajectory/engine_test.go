package trajectory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/freightoptimization/tracking/internal/cache"
	"github.com/freightoptimization/tracking/internal/domain"
)

// fakeRange serves canned samples and records how it was called.
type fakeRange struct {
	samples []domain.PositionSample
	err     error
	calls   int
}

func (f *fakeRange) QueryRange(ctx context.Context, entityID string, entityType domain.EntityType, start, end time.Time, limit, offset int) ([]domain.PositionSample, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if offset >= len(f.samples) {
		return nil, nil
	}
	page := f.samples[offset:]
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

func rawSample(lat, lon float64, minute int) domain.PositionSample {
	speed := 60.0
	return domain.PositionSample{
		EntityID:   "v1",
		EntityType: domain.EntityTypeVehicle,
		Latitude:   lat,
		Longitude:  lon,
		SpeedKPH:   &speed,
		Source:     domain.SourceGPSDevice,
		RecordedAt: time.Date(2026, 8, 1, 12, minute, 0, 0, time.UTC),
	}
}

func window() (time.Time, time.Time) {
	return time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC)
}

func TestBuildTrajectorySinglePoint(t *testing.T) {
	src := &fakeRange{samples: []domain.PositionSample{rawSample(40.0, -75.0, 0)}}
	e := NewEngine(src, nil)
	start, end := window()

	got, err := e.BuildTrajectory(context.Background(), "v1", domain.EntityTypeVehicle, start, end, 0.0001)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(got.Points) != 1 {
		t.Fatalf("got %d points; want 1", len(got.Points))
	}
	if got.Points[0].Latitude != 40.0 || got.Points[0].Longitude != -75.0 {
		t.Fatalf("point = %+v", got.Points[0])
	}
	if got.RawCount != 1 {
		t.Fatalf("raw count = %d; want 1", got.RawCount)
	}
}

func TestBuildTrajectoryEmptyRangeIsNotAnError(t *testing.T) {
	e := NewEngine(&fakeRange{}, nil)
	start, end := window()

	got, err := e.BuildTrajectory(context.Background(), "v1", domain.EntityTypeVehicle, start, end, 0.0001)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !got.Empty() {
		t.Fatalf("expected empty trajectory, got %d points", len(got.Points))
	}
}

func TestBuildTrajectoryPropagatesStoreError(t *testing.T) {
	wantErr := errors.New("boom")
	e := NewEngine(&fakeRange{err: wantErr}, nil)
	start, end := window()

	if _, err := e.BuildTrajectory(context.Background(), "v1", domain.EntityTypeVehicle, start, end, 0); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v; want store error", err)
	}
}

func TestBuildTrajectorySimplifiesAndSummarizes(t *testing.T) {
	src := &fakeRange{samples: []domain.PositionSample{
		rawSample(40.000, -75.0, 0),
		rawSample(40.001, -75.0, 1),
		rawSample(40.002, -75.0, 2),
		rawSample(40.003, -75.0, 3),
	}}
	e := NewEngine(src, nil)
	start, end := window()

	got, err := e.BuildTrajectory(context.Background(), "v1", domain.EntityTypeVehicle, start, end, 0.0001)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(got.Points) != 2 {
		t.Fatalf("collinear track kept %d points; want 2", len(got.Points))
	}
	if got.RawCount != 4 {
		t.Fatalf("raw count = %d; want 4", got.RawCount)
	}
	// ~0.003 degrees of latitude is ~333m.
	if got.PathKM < 0.3 || got.PathKM > 0.4 {
		t.Fatalf("path length = %v km; want ~0.33", got.PathKM)
	}
	// 333m over 3 minutes is ~6.7 km/h.
	if got.AvgSpeedKPH < 6 || got.AvgSpeedKPH > 7.5 {
		t.Fatalf("avg speed = %v; want ~6.7", got.AvgSpeedKPH)
	}
}

func TestBuildTrajectoryDefaultsTolerance(t *testing.T) {
	src := &fakeRange{samples: []domain.PositionSample{rawSample(40, -75, 0)}}
	e := NewEngine(src, nil)
	start, end := window()

	got, err := e.BuildTrajectory(context.Background(), "v1", domain.EntityTypeVehicle, start, end, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got.Tolerance != DefaultTolerance {
		t.Fatalf("tolerance = %v; want default %v", got.Tolerance, DefaultTolerance)
	}
}

func TestBuildTrajectoryMemoizes(t *testing.T) {
	src := &fakeRange{samples: []domain.PositionSample{rawSample(40, -75, 0)}}
	e := NewEngine(src, cache.NewTrajectoryCache(time.Minute))
	start, end := window()

	for i := 0; i < 3; i++ {
		if _, err := e.BuildTrajectory(context.Background(), "v1", domain.EntityTypeVehicle, start, end, 0.0001); err != nil {
			t.Fatalf("build #%d: %v", i, err)
		}
	}
	if src.calls != 1 {
		t.Fatalf("store hit %d times; want 1 (memoized)", src.calls)
	}

	// A different tolerance is a different request.
	if _, err := e.BuildTrajectory(context.Background(), "v1", domain.EntityTypeVehicle, start, end, 0.001); err != nil {
		t.Fatalf("build: %v", err)
	}
	if src.calls != 2 {
		t.Fatalf("store hit %d times; want 2", src.calls)
	}
}

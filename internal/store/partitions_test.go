package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMonthStart(t *testing.T) {
	cases := map[time.Time]time.Time{
		time.Date(2026, 8, 31, 23, 59, 59, 0, time.UTC): time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC):     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 12, 15, 6, 0, 0, 0, time.UTC):   time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
	}
	for in, want := range cases {
		if got := MonthStart(in); !got.Equal(want) {
			t.Errorf("MonthStart(%v) = %v; want %v", in, got, want)
		}
	}
}

func TestPartitionName(t *testing.T) {
	got := PartitionName(time.Date(2026, 9, 10, 4, 0, 0, 0, time.UTC))
	if got != "position_samples_y2026m09" {
		t.Fatalf("PartitionName = %q", got)
	}
}

func TestEnsureUpcomingPartitionIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := s.EnsureUpcomingPartition(ctx, now); err != nil {
			t.Fatalf("ensure #%d: %v", i, err)
		}
	}

	parts, err := s.Partitions(ctx)
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("got %d partitions; want 2 (current + next month)", len(parts))
	}
	if parts[0].Name != "position_samples_y2026m08" || parts[1].Name != "position_samples_y2026m09" {
		t.Fatalf("unexpected partition names: %s, %s", parts[0].Name, parts[1].Name)
	}
}

func TestPartitionRangesContiguousNonOverlapping(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Simulate the daily trigger running across five months.
	for m := 0; m < 5; m++ {
		now := time.Date(2026, time.Month(3+m), 14, 0, 0, 0, 0, time.UTC)
		if err := s.EnsureUpcomingPartition(ctx, now); err != nil {
			t.Fatalf("ensure month %d: %v", m, err)
		}
	}

	parts, err := s.Partitions(ctx)
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}
	if len(parts) != 6 {
		t.Fatalf("got %d partitions; want 6", len(parts))
	}
	for i, p := range parts {
		if !p.EndsAt.Equal(p.StartsAt.AddDate(0, 1, 0)) {
			t.Errorf("partition %s range is not one month: [%v, %v)", p.Name, p.StartsAt, p.EndsAt)
		}
		if i > 0 && !parts[i-1].EndsAt.Equal(p.StartsAt) {
			t.Errorf("gap or overlap between %s and %s", parts[i-1].Name, p.Name)
		}
	}

	// Every instant inside the maintained window is covered.
	for _, probe := range []time.Time{
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 5, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC),
	} {
		covered, err := s.HasCoveringPartition(ctx, probe)
		if err != nil {
			t.Fatalf("covering: %v", err)
		}
		if !covered {
			t.Errorf("no partition covers %v", probe)
		}
	}
	if covered, _ := s.HasCoveringPartition(ctx, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)); covered {
		t.Error("instant past the maintained window reported as covered")
	}
}

func TestPruneOldPartitions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for m := 0; m < 6; m++ {
		now := time.Date(2026, time.Month(1+m), 10, 0, 0, 0, 0, time.UTC)
		if err := s.EnsureUpcomingPartition(ctx, now); err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}

	// Retention of 3 months from June: cutoff 2026-03-01; January and
	// February partitions end at or before it.
	now := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	dropped, err := s.PruneOldPartitions(ctx, now, 3)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if dropped != 2 {
		t.Fatalf("dropped %d partitions; want 2", dropped)
	}

	parts, err := s.Partitions(ctx)
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}
	for _, p := range parts {
		if p.StartsAt.Before(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("partition %s survived pruning", p.Name)
		}
	}

	// Idempotent: a second prune drops nothing.
	dropped, err = s.PruneOldPartitions(ctx, now, 3)
	if err != nil {
		t.Fatalf("second prune: %v", err)
	}
	if dropped != 0 {
		t.Fatalf("second prune dropped %d; want 0", dropped)
	}
}

func TestPruneRejectsBadRetention(t *testing.T) {
	s := testStore(t)
	if _, err := s.PruneOldPartitions(context.Background(), time.Now(), 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v; want ErrValidation", err)
	}
}

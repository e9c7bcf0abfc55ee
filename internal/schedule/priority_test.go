package schedule

import (
	"math"
	"testing"
	"time"
)

func makeHistory(n, resultCount int) []ScrapeHistory {
	out := make([]ScrapeHistory, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, ScrapeHistory{
			Date:        time.Unix(int64(1700000000-i*3600), 0),
			Priority:    1.0,
			ResultCount: resultCount,
		})
	}
	return out
}

func TestNextPriority_EmptyHistory(t *testing.T) {
	if got := NextPriority(0.5, nil); got != 1.0 {
		t.Fatalf("expected 1.0 for empty history, got %f", got)
	}
}

func TestNextPriority_Ceiling(t *testing.T) {
	// four scrapes each finding one result saturate the weighted average
	got := NextPriority(MinPriority, makeHistory(4, 1))
	if math.Abs(got-MaxPriority) > 1e-6 {
		t.Fatalf("expected %f, got %f", MaxPriority, got)
	}

	got = NextPriority(MinPriority, makeHistory(15, 1))
	if math.Abs(got-MaxPriority) > 1e-6 {
		t.Fatalf("expected %f for 15 entries, got %f", MaxPriority, got)
	}
}

func TestNextPriority_Floor(t *testing.T) {
	got := NextPriority(MinPriority, makeHistory(15, 0))
	if math.Abs(got-MinPriority) > 1e-6 {
		t.Fatalf("expected %f, got %f", MinPriority, got)
	}
}

func TestNextPriority_CapsResultContribution(t *testing.T) {
	// result counts above 3 contribute as 3, so a flood scores like a trickle
	flood := NextPriority(1.0, makeHistory(10, 500))
	steady := NextPriority(1.0, makeHistory(10, 3))
	if math.Abs(flood-steady) > 1e-6 {
		t.Fatalf("expected capped contribution, flood=%f steady=%f", flood, steady)
	}
	if math.Abs(flood-MaxPriority) > 1e-6 {
		t.Fatalf("expected ceiling, got %f", flood)
	}
}

func TestNextPriority_Bounds(t *testing.T) {
	for _, count := range []int{0, 1, 2, 3, 10} {
		for _, n := range []int{1, 2, 5, 30} {
			got := NextPriority(1.0, makeHistory(n, count))
			if got < MinPriority || got > MaxPriority {
				t.Fatalf("priority out of bounds n=%d count=%d got=%f", n, count, got)
			}
		}
	}
}

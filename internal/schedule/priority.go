package schedule

import (
	"math"
	"time"
)

const (
	// MinPriority and MaxPriority bound how often a target can be visited:
	// at the floor a target earns a token roughly every two weeks, at the
	// ceiling almost two scrapes a day.
	MinPriority = 0.07
	MaxPriority = 1.75

	// a single scrape finding a flood of media shouldn't dominate the average
	maxResultContribution = 3
)

// ScrapeHistory is one completed scrape of a target, newest first in the
// slices handed to NextPriority.
type ScrapeHistory struct {
	Date        time.Time
	Priority    float64
	ResultCount int
}

// NextPriority computes the priority a target should scrape at next, from
// up to the last 30 history entries. Entries are weighted by (i-n-1)^2;
// with the newest entry at i=0 that gives newer entries larger weights,
// from (n+1)^2 for the newest down to 4 for the oldest; the weighting is long-standing
// observed behavior that downstream token budgets are tuned against, so it
// stays as is.
func NextPriority(previous float64, history []ScrapeHistory) float64 {
	n := len(history)
	if n == 0 {
		return 1.0
	}

	rawWeights := make([]float64, n)
	sum := 0.0
	for i := 0; i < n; i++ {
		w := float64((i - n - 1) * (i - n - 1))
		rawWeights[i] = w
		sum += w
	}

	weightedAvg := 0.0
	for i, h := range history {
		count := h.ResultCount
		if count > maxResultContribution {
			count = maxResultContribution
		}
		weightedAvg += (rawWeights[i] / sum) * float64(count)
	}

	scaled := weightedAvg*(MaxPriority-MinPriority) + MinPriority
	next := clampPriority(scaled)
	if math.IsNaN(next) {
		return previous
	}
	return next
}

func clampPriority(level float64) float64 {
	return math.Min(MaxPriority, math.Max(MinPriority, level))
}

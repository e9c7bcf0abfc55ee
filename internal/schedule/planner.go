package schedule

import (
	"math/rand"
	"time"

	"github.com/PortNumber53/media-discovery-thing/internal/scrape"
)

// A target is never visited more than 3 times a day no matter how many
// tokens it has banked.
const maxDailyScrapeCount = 3

// PendingScrape is one planned visit: the target, when it should fire
// relative to plan creation, and the history snapshot the scrape needs.
type PendingScrape struct {
	ResourceID  int64
	Target      scrape.ScopedTarget
	FireAt      time.Duration
	Priority    float64
	LastScrape  *time.Time
	DefaultName string
}

// Resource is the planner's read-only snapshot of a provider_resource row.
type Resource struct {
	ID          int64
	Target      scrape.ScopedTarget
	Priority    float64
	Tokens      float64
	LastScrape  *time.Time
	DefaultName string
}

// Plan expands eligible resources into a day's worth of spaced-out pending
// scrapes. Resources arrive pre-filtered (enabled, tokens >= 1, not queued
// recently); expansion gives each resource floor(tokens) visits capped at 3,
// spacing maximizes the gap between visits to the same target, and fire
// times interpolate across [start, end].
func Plan(resources []Resource, start, end time.Duration) []PendingScrape {
	byKind := make(map[scrape.Kind][]Resource)
	for _, r := range resources {
		copies := int(r.Tokens)
		if copies > maxDailyScrapeCount {
			copies = maxDailyScrapeCount
		}
		for i := 0; i < copies; i++ {
			byKind[r.Target.Kind] = append(byKind[r.Target.Kind], r)
		}
	}

	out := make([]PendingScrape, 0)
	for _, group := range byKind {
		spaced := maximizeDistance(group, func(r Resource) string { return r.Target.Destination })
		offsets := interpolateOffsets(len(spaced), start, end)
		for i, r := range spaced {
			out = append(out, PendingScrape{
				ResourceID:  r.ID,
				Target:      r.Target,
				FireAt:      offsets[i],
				Priority:    r.Priority,
				LastScrape:  r.LastScrape,
				DefaultName: r.DefaultName,
			})
		}
	}
	return out
}

// maximizeDistance reorders items so equal keys end up as far apart as
// possible. Randomized swap hill-climbing: accept a swap only when it
// strictly improves the quality metric, stop after 400 consecutive
// non-improvements. Converges reliably on short inputs; on longer ones the
// result is merely decent, which is fine for spreading scrapes over a day.
func maximizeDistance[T any](items []T, key func(T) string) []T {
	if len(items) < 2 {
		return items
	}
	out := make([]T, len(items))
	copy(out, items)
	keys := make([]string, len(out))
	for i, it := range out {
		keys[i] = key(it)
	}

	best := qualityMaxMinDist(keys)
	noImprovement := 0
	for noImprovement < 400 {
		i := rand.Intn(len(out))
		j := rand.Intn(len(out))
		keys[i], keys[j] = keys[j], keys[i]
		if q := qualityMaxMinDist(keys); q > best {
			out[i], out[j] = out[j], out[i]
			best = q
			noImprovement = 0
		} else {
			keys[i], keys[j] = keys[j], keys[i]
			noImprovement++
		}
	}
	return out
}

// qualityMaxMinDist scores an ordering by 1 / sum over duplicate keys of
// 1/(gap between consecutive occurrences); larger gaps score higher.
func qualityMaxMinDist(keys []string) float64 {
	indices := make(map[string][]int)
	for i, k := range keys {
		indices[k] = append(indices[k], i)
	}
	s := 0.0
	for _, idx := range indices {
		for i := 0; i+1 < len(idx); i++ {
			s += 1.0 / float64(idx[i+1]-idx[i])
		}
	}
	if s == 0 {
		// no duplicates; every ordering is equally good
		return 0
	}
	return 1.0 / s
}

// interpolateOffsets spreads n fire times uniformly across (start, end): the
// i-th of n fires at start + (i+1)*(end-start)/(n+1).
func interpolateOffsets(n int, start, end time.Duration) []time.Duration {
	out := make([]time.Duration, 0, n)
	if n == 0 {
		return out
	}
	gap := (end - start) / time.Duration(n+1)
	cur := start
	for i := 0; i < n; i++ {
		cur += gap
		out = append(out, cur)
	}
	return out
}

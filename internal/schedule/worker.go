package schedule

import (
	"context"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/PortNumber53/media-discovery-thing/internal/dispatch"
	"github.com/PortNumber53/media-discovery-thing/internal/scrape"
)

const (
	defaultPlanStart = 30 * time.Second
	defaultDayWindow = 24 * time.Hour
)

// Backend is the slice of the persistence gateway the worker drives.
type Backend interface {
	PendingResources(ctx context.Context) ([]Resource, error)
	UpdatePriorities(ctx context.Context, ids []int64) error
	GrantDailyTokens(ctx context.Context) error
	MarkQueued(ctx context.Context, target scrape.ScopedTarget) error
	LatestMediaIDs(ctx context.Context, target scrape.ScopedTarget) (map[string]struct{}, error)
	ProcessScrape(ctx context.Context, s *scrape.Scrape, priority float64) (int64, error)
	SubmitWebhookResponses(ctx context.Context, scrapeID int64, interactions []dispatch.WebhookInteraction) error
}

// Deliverer fans a completed scrape out to webhooks and the broker.
type Deliverer interface {
	Dispatch(ctx context.Context, p scrape.Provider, s *scrape.Scrape) []dispatch.WebhookInteraction
}

// runningSet tracks targets with a scrape in flight so a refreshed plan
// can't double-schedule them. Add on start, remove on completion.
type runningSet struct {
	mu  sync.RWMutex
	set map[scrape.ScopedTarget]struct{}
}

func newRunningSet() *runningSet {
	return &runningSet{set: make(map[scrape.ScopedTarget]struct{})}
}

func (r *runningSet) add(t scrape.ScopedTarget) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[t]; ok {
		return false
	}
	r.set[t] = struct{}{}
	return true
}

func (r *runningSet) remove(t scrape.ScopedTarget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.set, t)
}

func (r *runningSet) has(t scrape.ScopedTarget) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.set[t]
	return ok
}

// Worker owns the daily plan-and-scrape loop.
type Worker struct {
	Backend   Backend
	Providers map[scrape.Kind]scrape.Provider
	Deliverer Deliverer

	// PlanStart/DayWindow bound the window fire times interpolate over.
	PlanStart time.Duration
	DayWindow time.Duration

	running *runningSet

	// sleep is swapped out in tests
	sleep func(ctx context.Context, d time.Duration) error
}

func NewWorker(backend Backend, provs map[scrape.Kind]scrape.Provider, deliverer Deliverer) *Worker {
	return &Worker{
		Backend:   backend,
		Providers: provs,
		Deliverer: deliverer,
		PlanStart: planStartFromEnv(),
		DayWindow: dayWindowFromEnv(),
		running:   newRunningSet(),
		sleep:     sleepCtx,
	}
}

func planStartFromEnv() time.Duration {
	if v := os.Getenv("SCHEDULER_START_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return defaultPlanStart
}

func dayWindowFromEnv() time.Duration {
	if v := os.Getenv("SCHEDULER_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return defaultDayWindow
}

// Run executes day loops until the context is canceled. Each loop plans a
// day of scrapes, launches every entry gated on its fire time, and re-enters
// once both the day window has elapsed and all launched scrapes finished.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[Scheduler] worker started window=%s start=%s", w.DayWindow, w.PlanStart)
	for {
		if ctx.Err() != nil {
			log.Printf("[Scheduler] worker stopped err=%v", ctx.Err())
			return
		}
		done := make(chan struct{})
		go func() {
			w.dayLoop(ctx)
			close(done)
		}()
		if err := w.sleep(ctx, w.DayWindow); err != nil {
			<-done
			log.Printf("[Scheduler] worker stopped err=%v", err)
			return
		}
		<-done
		log.Printf("[Scheduler] day loop finished, replanning")
	}
}

func (w *Worker) dayLoop(ctx context.Context) {
	resources, err := w.Backend.PendingResources(ctx)
	if err != nil {
		log.Printf("[Scheduler] pending resources failed err=%v", err)
		return
	}
	plan := Plan(resources, w.PlanStart, w.DayWindow)
	log.Printf("[Scheduler] planned day resources=%d scrapes=%d", len(resources), len(plan))

	ids := make([]int64, 0, len(plan))
	seen := make(map[int64]struct{})
	for _, p := range plan {
		if _, ok := seen[p.ResourceID]; !ok {
			seen[p.ResourceID] = struct{}{}
			ids = append(ids, p.ResourceID)
		}
	}
	// a stuck priority should not block the day's scrapes, it only risks
	// over- or under-visiting until the next loop
	if err := w.Backend.UpdatePriorities(ctx, ids); err != nil {
		log.Printf("[Scheduler] priority update failed err=%v", err)
	}
	if err := w.Backend.GrantDailyTokens(ctx); err != nil {
		log.Printf("[Scheduler] token grant failed err=%v", err)
	}

	var wg sync.WaitGroup
	for _, pending := range plan {
		wg.Add(1)
		go func(p PendingScrape) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[Scheduler] scrape task panicked target=%s panic=%v", p.Target, r)
					w.running.remove(p.Target)
				}
			}()
			if err := w.sleep(ctx, p.FireAt); err != nil {
				return
			}
			w.runOne(ctx, p)
		}(pending)
	}
	wg.Wait()
}

func (w *Worker) runOne(ctx context.Context, p PendingScrape) {
	provider, ok := w.Providers[p.Target.Kind]
	if !ok {
		log.Printf("[Scheduler] no provider for kind=%s, skipping %s", p.Target.Kind, p.Target)
		return
	}
	if !w.running.add(p.Target) {
		log.Printf("[Scheduler] already running target=%s, skipping", p.Target)
		return
	}
	defer w.running.remove(p.Target)

	if err := w.Backend.MarkQueued(ctx, p.Target); err != nil {
		log.Printf("[Scheduler] mark queued failed target=%s err=%v", p.Target, err)
		return
	}

	start := time.Now()
	latest, err := w.Backend.LatestMediaIDs(ctx, p.Target)
	if err != nil {
		log.Printf("[Scheduler] latest media lookup failed target=%s err=%v", p.Target, err)
		return
	}
	in := &scrape.Input{
		LatestKnownIDs: latest,
		DefaultName:    p.DefaultName,
		LastScrape:     p.LastScrape,
	}
	result, err := scrape.Run(ctx, p.Target, provider, in)
	if err != nil {
		log.Printf("[Scheduler] scrape failed target=%s err=%v", p.Target, err)
		return
	}

	// delivery must run before persistence: persisting reverses the
	// request list in place
	var interactions []dispatch.WebhookInteraction
	if w.Deliverer != nil && hasNewMedia(result) {
		interactions = w.Deliverer.Dispatch(ctx, provider, result)
	}

	scrapeID, err := w.Backend.ProcessScrape(ctx, result, p.Priority)
	if err != nil {
		log.Printf("[Scheduler] persist failed target=%s err=%v", p.Target, err)
		return
	}
	if len(interactions) > 0 {
		if err := w.Backend.SubmitWebhookResponses(ctx, scrapeID, interactions); err != nil {
			log.Printf("[Scheduler] webhook responses persist failed target=%s err=%v", p.Target, err)
		}
	}
	log.Printf("[Scheduler] scrape done target=%s pages=%d posts=%d dur=%s",
		p.Target, len(result.Requests), result.NewPostCount(), time.Since(start))
}

func hasNewMedia(s *scrape.Scrape) bool {
	for _, post := range s.Posts() {
		if len(post.Images) > 0 {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

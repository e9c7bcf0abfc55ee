package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/PortNumber53/media-discovery-thing/internal/dispatch"
	"github.com/PortNumber53/media-discovery-thing/internal/scrape"
)

type fakeBackend struct {
	mu        sync.Mutex
	resources []Resource
	calls     []string
	persisted []*scrape.Scrape
	queued    []scrape.ScopedTarget
	responses [][]dispatch.WebhookInteraction
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeBackend) PendingResources(ctx context.Context) ([]Resource, error) {
	f.record("pending")
	return f.resources, nil
}

func (f *fakeBackend) UpdatePriorities(ctx context.Context, ids []int64) error {
	f.record("priorities")
	return nil
}

func (f *fakeBackend) GrantDailyTokens(ctx context.Context) error {
	f.record("tokens")
	return nil
}

func (f *fakeBackend) MarkQueued(ctx context.Context, target scrape.ScopedTarget) error {
	f.mu.Lock()
	f.queued = append(f.queued, target)
	f.mu.Unlock()
	f.record("queued")
	return nil
}

func (f *fakeBackend) LatestMediaIDs(ctx context.Context, target scrape.ScopedTarget) (map[string]struct{}, error) {
	f.record("latest")
	return map[string]struct{}{}, nil
}

func (f *fakeBackend) ProcessScrape(ctx context.Context, s *scrape.Scrape, priority float64) (int64, error) {
	f.mu.Lock()
	f.persisted = append(f.persisted, s)
	f.mu.Unlock()
	f.record("persist")
	return int64(len(f.persisted)), nil
}

func (f *fakeBackend) SubmitWebhookResponses(ctx context.Context, scrapeID int64, interactions []dispatch.WebhookInteraction) error {
	f.mu.Lock()
	f.responses = append(f.responses, interactions)
	f.mu.Unlock()
	f.record("webhook-responses")
	return nil
}

type fakeDeliverer struct {
	mu           sync.Mutex
	dispatched   []*scrape.Scrape
	interactions []dispatch.WebhookInteraction
	backend      *fakeBackend
}

func (f *fakeDeliverer) Dispatch(ctx context.Context, p scrape.Provider, s *scrape.Scrape) []dispatch.WebhookInteraction {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, s)
	f.mu.Unlock()
	if f.backend != nil {
		f.backend.record("dispatch")
	}
	return f.interactions
}

// workerProvider returns one page with one post and media.
type workerProvider struct {
	scrape.ProviderDefaults
	kind scrape.Kind
}

func (p *workerProvider) Kind() scrape.Kind                    { return p.kind }
func (p *workerProvider) NextPageSize(*time.Time, int) int     { return 10 }
func (p *workerProvider) ScrapeDelay() time.Duration           { return 0 }
func (p *workerProvider) MatchDomain(string) bool              { return false }
func (p *workerProvider) Wait(context.Context, string) error   { return nil }
func (p *workerProvider) BuildURL(dest string, size int, cursor *scrape.Pagination) (string, error) {
	return "https://example/" + dest, nil
}

func (p *workerProvider) Unfold(ctx context.Context, state scrape.State) (scrape.Step, *scrape.HTTPError) {
	return scrape.Step{
		Kind: scrape.StepEnd,
		Page: scrape.PageResult{
			ResponseCode: 200,
			Posts: []scrape.Post{{
				UniqueIdentifier: "p1",
				Images: []scrape.Media{{
					Type:             scrape.MediaImage,
					MediaURL:         "https://img/1.jpg",
					UniqueIdentifier: "m1",
				}},
			}},
		},
	}, nil
}

func newTestWorker(backend *fakeBackend, deliverer Deliverer) *Worker {
	w := &Worker{
		Backend: backend,
		Providers: map[scrape.Kind]scrape.Provider{
			scrape.KindPinterestBoard: &workerProvider{kind: scrape.KindPinterestBoard},
		},
		Deliverer: deliverer,
		PlanStart: 0,
		DayWindow: 10 * time.Millisecond,
		running:   newRunningSet(),
		sleep:     func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	}
	return w
}

func TestWorker_DayLoop_DispatchBeforePersist(t *testing.T) {
	backend := &fakeBackend{resources: []Resource{{
		ID:     1,
		Target: scrape.ScopedTarget{Kind: scrape.KindPinterestBoard, Destination: "b|/u/b/"},
		Tokens: 1, Priority: 1.0,
	}}}
	deliverer := &fakeDeliverer{
		backend:      backend,
		interactions: []dispatch.WebhookInteraction{{Webhook: dispatch.Webhook{ID: 1}, StatusCode: 200}},
	}
	w := newTestWorker(backend, deliverer)

	w.dayLoop(context.Background())

	if len(backend.persisted) != 1 {
		t.Fatalf("expected 1 persisted scrape, got %d", len(backend.persisted))
	}
	if len(deliverer.dispatched) != 1 {
		t.Fatalf("expected 1 dispatched scrape, got %d", len(deliverer.dispatched))
	}
	if len(backend.responses) != 1 {
		t.Fatalf("expected webhook responses to be submitted")
	}

	// delivery must precede persistence, and responses come after persist
	dispatchIdx, persistIdx, responsesIdx := -1, -1, -1
	for i, c := range backend.calls {
		switch c {
		case "dispatch":
			dispatchIdx = i
		case "persist":
			persistIdx = i
		case "webhook-responses":
			responsesIdx = i
		}
	}
	if dispatchIdx == -1 || persistIdx == -1 || dispatchIdx > persistIdx {
		t.Fatalf("dispatch must run before persist: %v", backend.calls)
	}
	if responsesIdx < persistIdx {
		t.Fatalf("webhook responses must be submitted after persist: %v", backend.calls)
	}
}

func TestWorker_SkipsAlreadyRunningTarget(t *testing.T) {
	target := scrape.ScopedTarget{Kind: scrape.KindPinterestBoard, Destination: "b|/u/b/"}
	backend := &fakeBackend{}
	w := newTestWorker(backend, nil)
	w.running.add(target)

	w.runOne(context.Background(), PendingScrape{ResourceID: 1, Target: target, Priority: 1})
	if len(backend.queued) != 0 {
		t.Fatalf("a running target must not be queued again")
	}
	if !w.running.has(target) {
		t.Fatalf("the running entry must survive the skipped attempt")
	}
}

func TestWorker_RemovesTargetAfterRun(t *testing.T) {
	target := scrape.ScopedTarget{Kind: scrape.KindPinterestBoard, Destination: "b|/u/b/"}
	backend := &fakeBackend{}
	w := newTestWorker(backend, nil)

	w.runOne(context.Background(), PendingScrape{ResourceID: 1, Target: target, Priority: 1})
	if w.running.has(target) {
		t.Fatalf("target should leave the running set on completion")
	}
	if len(backend.queued) != 1 {
		t.Fatalf("expected last_queue to be stamped once, got %d", len(backend.queued))
	}
}

func TestWorker_UnknownProviderSkipped(t *testing.T) {
	target := scrape.ScopedTarget{Kind: scrape.KindWeverseArtistFeed, Destination: "14"}
	backend := &fakeBackend{}
	w := newTestWorker(backend, nil)

	w.runOne(context.Background(), PendingScrape{ResourceID: 1, Target: target, Priority: 1})
	if len(backend.queued) != 0 || len(backend.persisted) != 0 {
		t.Fatalf("a target without a provider must be skipped entirely")
	}
}

func TestRunningSet(t *testing.T) {
	rs := newRunningSet()
	target := scrape.ScopedTarget{Kind: scrape.KindPinterestBoard, Destination: "x"}
	if !rs.add(target) {
		t.Fatalf("first add should succeed")
	}
	if rs.add(target) {
		t.Fatalf("second add should fail while running")
	}
	rs.remove(target)
	if !rs.add(target) {
		t.Fatalf("add after remove should succeed")
	}
}

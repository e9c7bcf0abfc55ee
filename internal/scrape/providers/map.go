package providers

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/PortNumber53/media-discovery-thing/internal/scrape"
)

// Map holds one adapter per provider kind.
type Map map[scrape.Kind]scrape.Provider

// Build wires every adapter against a shared HTTP client and rate limiter.
// Providers whose credentials are not configured are left out of the map so
// the planner never schedules their targets.
func Build(client *http.Client, limiter *scrape.RateLimiter) Map {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	defaults := scrape.ProviderDefaults{Limiter: limiter}

	m := Map{
		scrape.KindPinterestBoard: &PinterestBoard{ProviderDefaults: defaults, Client: client},
		scrape.KindTwitterTimeline: &TwitterTimeline{
			ProviderDefaults: defaults,
			Client:           client,
			Creds:            scrape.NewSharedCredentials(),
		},
	}
	if os.Getenv("WEVERSE_ACCESS_TOKEN") != "" || os.Getenv("WEVERSE_EMAIL") != "" {
		m[scrape.KindWeverseArtistFeed] = &WeverseArtistFeed{
			ProviderDefaults: defaults,
			Client:           client,
			Creds:            scrape.NewSharedCredentials(),
		}
	} else {
		log.Printf("[Providers] weverse credentials missing, module disabled")
	}
	if os.Getenv("UNITED_CUBE_EMAIL") != "" {
		m[scrape.KindUnitedCubeArtist] = &UnitedCubeArtistFeed{
			ProviderDefaults: defaults,
			Client:           client,
			Creds:            scrape.NewSharedCredentials(),
		}
	} else {
		log.Printf("[Providers] united cube credentials missing, module disabled")
	}
	return m
}

// Initialize performs the first login of every auth-requiring adapter
// concurrently. Failures leave the credential slot empty; the affected
// provider reports NotInitialized on each scrape until restart.
func (m Map) Initialize(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range m {
		if !p.RequiresAuth() {
			continue
		}
		wg.Add(1)
		go func(p scrape.Provider) {
			defer wg.Done()
			scrape.InitializeCredentials(ctx, p)
		}(p)
	}
	wg.Wait()
}

// MatchDomain finds the adapter that claims a canonical human URL.
func (m Map) MatchDomain(rawURL string) (scrape.Provider, bool) {
	for _, p := range m {
		if p.MatchDomain(rawURL) {
			return p, true
		}
	}
	return nil, false
}

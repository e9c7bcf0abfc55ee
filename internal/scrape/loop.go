package scrape

import (
	"context"
	"log"
	"time"
)

// maxAuthAttempts bounds login/refresh rounds within a single scrape so a
// provider that keeps rejecting fresh tokens can't loop forever.
const maxAuthAttempts = 2

// Input carries everything a scrape needs to know about its target's
// history.
type Input struct {
	// LatestKnownIDs are the media unique identifiers already persisted for
	// the target. Empty means the target has never produced media; the
	// pagination cap is waived in that case.
	LatestKnownIDs map[string]struct{}
	DefaultName    string
	LastScrape     *time.Time
}

// IsFirstScrape reports whether the target has never completed a scrape.
func (in *Input) IsFirstScrape() bool { return in.LastScrape == nil }

func (in *Input) knows(id string) bool {
	_, ok := in.LatestKnownIDs[id]
	return ok
}

// Run drives one provider to completion for a single target and returns the
// accumulated scrape. Requests are appended in fetch order. HTTP errors
// inside the scrape surface as an Err step on the result, never as a
// returned error. An error is returned only when the first URL cannot be
// rendered (no request is made, the scrape is nil) or when the context ends
// during the rate-limit wait or the inter-page delay (the pages fetched so
// far are returned alongside it).
func Run(ctx context.Context, target ScopedTarget, p Provider, in *Input) (*Scrape, error) {
	out := &Scrape{Target: target}

	iteration := 0
	authAttempts := 0
	var cursor *Pagination

	for {
		pageSize := p.NextPageSize(in.LastScrape, iteration)
		url, err := p.BuildURL(target.Destination, pageSize, cursor)
		if err != nil {
			if len(out.Requests) == 0 {
				return nil, err
			}
			log.Printf("[Scrape] url render failed target=%s err=%v", target, err)
			break
		}

		if err := p.Wait(ctx, target.Destination); err != nil {
			return out, err
		}

		step, httpErr := p.Unfold(ctx, State{URL: url})
		if httpErr != nil {
			handle := p.OnError(httpErr)
			if handle.Action == HandleHalt {
				out.Requests = append(out.Requests, PageRequest{Date: time.Now().UTC(), Err: httpErr})
				break
			}
			if authAttempts >= maxAuthAttempts {
				log.Printf("[Scrape] auth recovery exhausted target=%s attempts=%d", target, authAttempts)
				out.Requests = append(out.Requests, PageRequest{Date: time.Now().UTC(), Err: httpErr})
				break
			}
			authAttempts++
			if !recoverAuth(ctx, p, handle) {
				out.Requests = append(out.Requests, PageRequest{Date: time.Now().UTC(), Err: httpErr})
				break
			}
			// retry the same logical iteration without advancing pagination
			continue
		}

		if step.Kind == StepNotInitialized {
			log.Printf("[Scrape] provider not initialized target=%s", target)
			break
		}

		page := step.Page
		truncated := truncateAtKnown(&page, in)
		out.Requests = append(out.Requests, PageRequest{Date: time.Now().UTC(), Page: &page})

		if truncated {
			log.Printf("[Scrape] reached last known media target=%s pages=%d", target, len(out.Requests))
			break
		}
		if len(page.Posts) == 0 {
			break
		}
		if step.Kind == StepEnd {
			break
		}
		if len(out.Requests) >= p.MaxPagination() && len(in.LatestKnownIDs) > 0 {
			log.Printf("[Scrape] pagination limit reached target=%s limit=%d", target, p.MaxPagination())
			break
		}

		c := step.Cursor
		cursor = &c
		iteration++

		if err := sleepCtx(ctx, p.ScrapeDelay()); err != nil {
			return out, err
		}
	}

	return out, nil
}

// truncateAtKnown cuts the page's post list at the first post that carries
// an already-known media id. Returns whether anything was cut.
func truncateAtKnown(page *PageResult, in *Input) bool {
	for i, post := range page.Posts {
		for _, media := range post.Images {
			if in.knows(media.UniqueIdentifier) {
				page.Posts = page.Posts[:i]
				return true
			}
		}
	}
	return false
}

func recoverAuth(ctx context.Context, p Provider, handle ErrorHandle) bool {
	slot := p.Credentials()
	if slot == nil {
		return false
	}
	switch handle.Action {
	case HandleRefreshToken:
		creds, err := p.TokenRefresh(ctx, handle.Refresh)
		if err != nil {
			log.Printf("[Scrape] token refresh failed provider=%s err=%v", p.Kind(), err)
			// a dead refresh token can still be recovered by a full login
			return loginAndStore(ctx, p, slot)
		}
		slot.ReplaceIfCurrent(handle.Refresh.AccessToken, creds)
		return true
	case HandleLogin:
		return loginAndStore(ctx, p, slot)
	}
	return false
}

func loginAndStore(ctx context.Context, p Provider, slot *SharedCredentials) bool {
	creds, err := p.Login(ctx)
	if err != nil {
		log.Printf("[Scrape] login failed provider=%s err=%v", p.Kind(), err)
		return false
	}
	slot.Replace(creds)
	return true
}

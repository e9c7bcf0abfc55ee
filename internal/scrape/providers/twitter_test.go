package providers

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/PortNumber53/media-discovery-thing/internal/scrape"
)

func newTwitter(client *http.Client) *TwitterTimeline {
	p := &TwitterTimeline{
		ProviderDefaults: scrape.ProviderDefaults{Limiter: testLimiter()},
		Client:           client,
		Creds:            scrape.NewSharedCredentials(),
	}
	return p
}

func TestTwitter_BuildURL(t *testing.T) {
	p := newTwitter(nil)
	raw, err := p.BuildURL("12345", 20, nil)
	if err != nil {
		t.Fatalf("BuildURL: %v", err)
	}
	if !strings.Contains(raw, "/2/timeline/profile/12345.json") {
		t.Fatalf("unexpected url: %s", raw)
	}
	if !strings.Contains(raw, "count=20") || !strings.Contains(raw, "tweet_mode=extended") {
		t.Fatalf("missing query params: %s", raw)
	}
	if strings.Contains(raw, "cursor=") {
		t.Fatalf("expected no cursor on the first page: %s", raw)
	}

	raw, _ = p.BuildURL("12345", 100, &scrape.Pagination{NextCursor: "CURSOR123"})
	if !strings.Contains(raw, "cursor=CURSOR123") || !strings.Contains(raw, "count=100") {
		t.Fatalf("cursor missing: %s", raw)
	}
}

const twitterFixture = `{
  "globalObjects": {
    "tweets": {
      "100": {
        "created_at": "Wed Oct 10 20:19:24 +0000 2018",
        "id_str": "100",
        "full_text": "look at this https:\/\/t.co\/x",
        "user_id_str": "55",
        "retweet_count": 3,
        "favorite_count": 9,
        "lang": "en",
        "entities": {
          "media": [
            {
              "id_str": "m100",
              "media_url_https": "https:\/\/pbs.twimg.com\/media\/a.jpg",
              "expanded_url": "https:\/\/twitter.com\/u\/status\/100\/photo\/1",
              "type": "photo",
              "original_info": {"width": 1200, "height": 800}
            }
          ]
        }
      },
      "101": {
        "created_at": "Wed Oct 10 21:19:24 +0000 2018",
        "id_str": "101",
        "full_text": "no media here",
        "user_id_str": "55",
        "entities": {}
      }
    },
    "users": {
      "55": {"name": "Some User", "screen_name": "someuser", "profile_image_url_https": "https://pbs.twimg.com/profile.jpg"}
    }
  },
  "timeline": {
    "instructions": [
      {"addEntries": {"entries": [
        {"entryId": "tweet-100", "content": {"item": {"content": {"tweet": {"id": "100"}}}}},
        {"entryId": "tweet-101", "content": {"item": {"content": {"tweet": {"id": "101"}}}}},
        {"entryId": "cursor-bottom-1", "content": {"operation": {"cursor": {"value": "NEXTCUR", "cursorType": "Bottom"}}}}
      ]}}
    ]
  }
}`

func TestTwitter_Unfold(t *testing.T) {
	p := newTwitter(stubClient(func(r *http.Request) (*http.Response, error) {
		if r.Header.Get("X-Guest-Token") != "guest-1" {
			t.Errorf("missing guest token header")
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("missing bearer header")
		}
		return httpJSON(200, twitterFixture, nil), nil
	}))
	p.Creds.Replace(scrape.Credentials{AccessToken: "guest-1"})

	step, httpErr := p.Unfold(context.Background(), scrape.State{URL: "https://api.twitter.com/x"})
	if httpErr != nil {
		t.Fatalf("Unfold: %v", httpErr)
	}
	if step.Kind != scrape.StepNext || step.Cursor.NextCursor != "NEXTCUR" {
		t.Fatalf("expected Next with cursor, got %+v", step)
	}
	// the tweet without media entities is dropped
	if len(step.Page.Posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(step.Page.Posts))
	}
	post := step.Page.Posts[0]
	if post.UniqueIdentifier != "100" {
		t.Fatalf("post id mismatch: %+v", post)
	}
	if post.Body != "look at this https://t.co/x" {
		t.Fatalf("escaped slashes not cleaned: %q", post.Body)
	}
	if post.Account.Name != "Some User" || post.URL != "https://twitter.com/someuser/status/100" {
		t.Fatalf("user join failed: %+v", post)
	}
	if post.PostDate == nil || post.PostDate.Year() != 2018 {
		t.Fatalf("created_at parse failed: %+v", post.PostDate)
	}
	if len(post.Images) != 1 || post.Images[0].MediaURL != "https://pbs.twimg.com/media/a.jpg" {
		t.Fatalf("media mismatch: %+v", post.Images)
	}
	if post.Images[0].Type != scrape.MediaImage {
		t.Fatalf("photo should map to Image")
	}
}

func TestTwitter_Unfold_NotInitialized(t *testing.T) {
	p := newTwitter(nil)
	step, httpErr := p.Unfold(context.Background(), scrape.State{URL: "x"})
	if httpErr != nil {
		t.Fatalf("Unfold: %v", httpErr)
	}
	if step.Kind != scrape.StepNotInitialized {
		t.Fatalf("expected NotInitialized, got %+v", step)
	}
}

func TestTwitter_Unfold_MissingInstructions(t *testing.T) {
	p := newTwitter(stubClient(func(r *http.Request) (*http.Response, error) {
		return httpJSON(200, `{"globalObjects":{"tweets":{},"users":{}},"timeline":{"instructions":[]}}`, nil), nil
	}))
	p.Creds.Replace(scrape.Credentials{AccessToken: "guest-1"})
	_, httpErr := p.Unfold(context.Background(), scrape.State{URL: "x"})
	if httpErr == nil || httpErr.Kind != scrape.ErrUnexpectedBody {
		t.Fatalf("expected unexpected-body error, got %+v", httpErr)
	}
}

func TestTwitter_OnError(t *testing.T) {
	p := newTwitter(nil)
	h := p.OnError(&scrape.HTTPError{Kind: scrape.ErrFailStatus, Code: 403})
	if h.Action != scrape.HandleLogin {
		t.Fatalf("403 should trigger a fresh guest token")
	}
	h = p.OnError(&scrape.HTTPError{Kind: scrape.ErrFailStatus, Code: 500})
	if h.Action != scrape.HandleHalt {
		t.Fatalf("500 should halt")
	}
}

func TestTwitter_Login_FromHomepage(t *testing.T) {
	p := newTwitter(stubClient(func(r *http.Request) (*http.Response, error) {
		return httpJSON(200, `<html><script>document.cookie = "gt=1711234567890;path=/";</script></html>`,
			map[string]string{"Content-Type": "text/html"}), nil
	}))
	creds, err := p.Login(context.Background())
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if creds.AccessToken != "1711234567890" {
		t.Fatalf("guest token mismatch: %q", creds.AccessToken)
	}
}

func TestTwitter_Login_ActivationFallback(t *testing.T) {
	p := newTwitter(stubClient(func(r *http.Request) (*http.Response, error) {
		if r.Method == http.MethodPost && strings.Contains(r.URL.Path, "guest/activate") {
			return httpJSON(200, `{"guest_token":"fallback-token"}`, nil), nil
		}
		// homepage without a gt cookie
		return httpJSON(200, `<html></html>`, map[string]string{"Content-Type": "text/html"}), nil
	}))
	creds, err := p.Login(context.Background())
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if creds.AccessToken != "fallback-token" {
		t.Fatalf("expected the activation fallback, got %q", creds.AccessToken)
	}
}

func TestTwitter_Introspect(t *testing.T) {
	p := newTwitter(stubClient(func(r *http.Request) (*http.Response, error) {
		if !strings.HasSuffix(r.URL.Path, "/someuser") {
			t.Errorf("unexpected lookup path %s", r.URL.Path)
		}
		return httpJSON(200, `{"data":{"id":"424242"}}`, nil), nil
	}))
	dest, err := p.Introspect(context.Background(), "https://twitter.com/someuser")
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if dest != "424242" {
		t.Fatalf("destination mismatch: %s", dest)
	}
}

func TestTwitter_PaginationLimit(t *testing.T) {
	p := newTwitter(nil)
	if got := p.MaxPagination(); got != twitterDefaultPaginationLimit {
		t.Fatalf("expected default %d, got %d", twitterDefaultPaginationLimit, got)
	}
	t.Setenv("TWITTER_PAGINATION_LIMIT", "7")
	if got := p.MaxPagination(); got != 7 {
		t.Fatalf("expected override 7, got %d", got)
	}
}

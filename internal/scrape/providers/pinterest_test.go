package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/PortNumber53/media-discovery-thing/internal/scrape"
)

type stubTransport struct {
	fn func(*http.Request) (*http.Response, error)
}

func (s stubTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return s.fn(r)
}

func httpJSON(status int, body string, headers map[string]string) *http.Response {
	h := make(http.Header)
	if headers != nil {
		for k, v := range headers {
			h.Set(k, v)
		}
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func stubClient(fn func(*http.Request) (*http.Response, error)) *http.Client {
	return &http.Client{Transport: stubTransport{fn: fn}}
}

func testLimiter() *scrape.RateLimiter {
	return scrape.NewRateLimiter()
}

func newPinterest(client *http.Client) *PinterestBoard {
	return &PinterestBoard{
		ProviderDefaults: scrape.ProviderDefaults{Limiter: testLimiter()},
		Client:           client,
	}
}

func TestPinterest_BuildURL(t *testing.T) {
	p := newPinterest(nil)
	raw, err := p.BuildURL("12345|/someuser/board/", 25, nil)
	if err != nil {
		t.Fatalf("BuildURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Query().Get("source_url") != "/someuser/board/" {
		t.Fatalf("missing source_url: %s", raw)
	}
	var dict pinterestRequestDict
	if err := json.Unmarshal([]byte(u.Query().Get("data")), &dict); err != nil {
		t.Fatalf("data param is not json: %v", err)
	}
	if dict.Options.BoardID != "12345" || dict.Options.BoardURL != "/someuser/board/" || dict.Options.PageSize != 25 {
		t.Fatalf("dict mismatch: %+v", dict)
	}
	if dict.Options.Bookmarks != nil {
		t.Fatalf("expected no bookmarks on the first page")
	}

	raw, err = p.BuildURL("12345|/someuser/board/", 25, &scrape.Pagination{NextCursor: "bm1"})
	if err != nil {
		t.Fatalf("BuildURL: %v", err)
	}
	u, _ = url.Parse(raw)
	_ = json.Unmarshal([]byte(u.Query().Get("data")), &dict)
	if len(dict.Options.Bookmarks) != 1 || dict.Options.Bookmarks[0] != "bm1" {
		t.Fatalf("expected bookmark to round trip, got %+v", dict.Options.Bookmarks)
	}
}

func TestPinterest_BuildURL_BadDestination(t *testing.T) {
	p := newPinterest(nil)
	if _, err := p.BuildURL("no-separator", 25, nil); err == nil {
		t.Fatalf("expected error")
	}
}

const pinterestFixture = `{
  "resource_response": {
    "bookmark": "bm-next",
    "data": [
      {
        "id": "111",
        "pinner": {"full_name": "Someone", "image_xlarge_url": "https://i.example/a.jpg"},
        "images": {"orig": {"width": 800, "height": 600, "url": "https://i.example/orig1.jpg"}},
        "rich_summary": {"url": "https://ref.example/page"}
      },
      {
        "id": "222",
        "images": {"236x": {"width": 236, "height": 177, "url": "https://i.example/small.jpg"}}
      }
    ]
  }
}`

func TestPinterest_Unfold(t *testing.T) {
	p := newPinterest(stubClient(func(r *http.Request) (*http.Response, error) {
		return httpJSON(200, pinterestFixture, nil), nil
	}))
	step, httpErr := p.Unfold(context.Background(), scrape.State{URL: "https://www.pinterest.com/x"})
	if httpErr != nil {
		t.Fatalf("Unfold: %v", httpErr)
	}
	if step.Kind != scrape.StepNext || step.Cursor.NextCursor != "bm-next" {
		t.Fatalf("expected Next with bookmark, got %+v", step)
	}
	// the pin without an orig size is skipped
	if len(step.Page.Posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(step.Page.Posts))
	}
	post := step.Page.Posts[0]
	if post.UniqueIdentifier != "111" || post.Account.Name != "Someone" {
		t.Fatalf("post mismatch: %+v", post)
	}
	if post.URL != "https://www.pinterest.com/pin/111" {
		t.Fatalf("pin url mismatch: %s", post.URL)
	}
	if len(post.Images) != 1 || post.Images[0].MediaURL != "https://i.example/orig1.jpg" {
		t.Fatalf("media mismatch: %+v", post.Images)
	}
	if post.Images[0].ReferenceURL != "https://ref.example/page" {
		t.Fatalf("reference url mismatch: %+v", post.Images[0])
	}
	if post.PostDate != nil {
		t.Fatalf("pinterest never exposes post dates")
	}
}

func TestPinterest_Unfold_EndWithoutBookmark(t *testing.T) {
	p := newPinterest(stubClient(func(r *http.Request) (*http.Response, error) {
		return httpJSON(200, `{"resource_response":{"bookmark":null,"data":[]}}`, nil), nil
	}))
	step, httpErr := p.Unfold(context.Background(), scrape.State{URL: "https://www.pinterest.com/x"})
	if httpErr != nil {
		t.Fatalf("Unfold: %v", httpErr)
	}
	if step.Kind != scrape.StepEnd {
		t.Fatalf("expected End, got %+v", step)
	}
}

func TestPinterest_MatchDomain(t *testing.T) {
	p := newPinterest(nil)
	if !p.MatchDomain("https://www.pinterest.com/user/board/") {
		t.Fatalf("expected match")
	}
	if p.MatchDomain("https://twitter.com/user") {
		t.Fatalf("expected no match")
	}
}

func TestPinterest_PageSizes(t *testing.T) {
	p := newPinterest(nil)
	if got := p.NextPageSize(nil, 0); got != pinterestMaxPageSize {
		t.Fatalf("expected max on first scrape, got %d", got)
	}
	last := time.Now()
	if got := p.NextPageSize(&last, 0); got != pinterestDefaultSize {
		t.Fatalf("expected default after first scrape, got %d", got)
	}
}

func TestPinterest_Introspect(t *testing.T) {
	p := newPinterest(stubClient(func(r *http.Request) (*http.Response, error) {
		if !strings.Contains(r.URL.Path, "BoardResource") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		return httpJSON(200, `{"resource_response":{"data":{"id":"987"}}}`, nil), nil
	}))
	dest, err := p.Introspect(context.Background(), "https://www.pinterest.com/someuser/myboard/")
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if dest != "987|/someuser/myboard/" {
		t.Fatalf("destination mismatch: %s", dest)
	}
}

func TestPinterest_Introspect_BadPath(t *testing.T) {
	p := newPinterest(nil)
	if _, err := p.Introspect(context.Background(), "https://www.pinterest.com/"); err == nil {
		t.Fatalf("expected error for a non-board path")
	}
}

package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PortNumber53/media-discovery-thing/internal/scrape"
)

const (
	pinterestBoardFeedURL = "https://www.pinterest.com/resource/BoardFeedResource/get"
	pinterestBoardURL     = "https://www.pinterest.com/resource/BoardResource/get"
	pinterestSeparator    = "|"
	pinterestMaxPageSize  = 50
	pinterestDefaultSize  = 25
)

// PinterestBoard scrapes a board feed. Destinations are "board_id|board_path"
// because the feed endpoint needs both halves to build its request dict.
type PinterestBoard struct {
	scrape.ProviderDefaults
	Client *http.Client
}

func (p *PinterestBoard) Kind() scrape.Kind { return scrape.KindPinterestBoard }

func (p *PinterestBoard) Wait(ctx context.Context, key string) error {
	return p.Limiter.Wait(ctx, p.Kind())
}

func (p *PinterestBoard) NextPageSize(lastScrape *time.Time, iteration int) int {
	if lastScrape == nil {
		return pinterestMaxPageSize
	}
	return pinterestDefaultSize
}

func (p *PinterestBoard) MatchDomain(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	return host == "pinterest.com" || strings.HasSuffix(host, ".pinterest.com")
}

// pinterestRequestDict is the JSON-in-querystring envelope the board feed
// endpoint expects under the "data" parameter.
type pinterestRequestDict struct {
	Options pinterestRequestOptions `json:"options"`
}

type pinterestRequestOptions struct {
	Bookmarks []string `json:"bookmarks,omitempty"`
	BoardURL  string   `json:"board_url"`
	BoardID   string   `json:"board_id"`
	// max accepted value by the API is 250
	PageSize int `json:"page_size"`
}

func (p *PinterestBoard) BuildURL(destination string, pageSize int, cursor *scrape.Pagination) (string, error) {
	id, path, ok := strings.Cut(destination, pinterestSeparator)
	if !ok {
		return "", scrape.ErrURL
	}
	dict := pinterestRequestDict{
		Options: pinterestRequestOptions{
			BoardID:  id,
			BoardURL: path,
			PageSize: pageSize,
		},
	}
	if cursor != nil {
		dict.Options.Bookmarks = []string{cursor.Token()}
	}
	data, err := json.Marshal(dict)
	if err != nil {
		return "", scrape.ErrURL
	}
	q := url.Values{}
	q.Set("source_url", path)
	q.Set("data", string(data))
	return pinterestBoardFeedURL + "?" + q.Encode(), nil
}

type pinterestImage struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	URL    string `json:"url"`
}

type pinterestPinner struct {
	FullName      string  `json:"full_name"`
	ImageXlargeURL *string `json:"image_xlarge_url"`
}

type pinterestRichSummary struct {
	URL string `json:"url"`
}

type pinterestPin struct {
	ID          string                    `json:"id"`
	Pinner      *pinterestPinner          `json:"pinner"`
	Images      map[string]pinterestImage `json:"images"`
	RichSummary *pinterestRichSummary     `json:"rich_summary"`
}

type pinterestResponse struct {
	ResourceResponse struct {
		Bookmark *string        `json:"bookmark"`
		Data     []pinterestPin `json:"data"`
	} `json:"resource_response"`
}

func (p *PinterestBoard) Unfold(ctx context.Context, state scrape.State) (scrape.Step, *scrape.HTTPError) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, state.URL, nil)
	if err != nil {
		return scrape.Step{}, scrape.TransportError(err, true)
	}
	req.Header = scrape.DefaultHeaders()
	res, err := p.Client.Do(req)
	if err != nil {
		return scrape.Step{}, scrape.TransportError(err, true)
	}
	delay := time.Since(start)

	var body pinterestResponse
	if httpErr := scrape.ParseJSONResponse(res, &body); httpErr != nil {
		return scrape.Step{}, httpErr
	}

	posts := make([]scrape.Post, 0, len(body.ResourceResponse.Data))
	for _, pin := range body.ResourceResponse.Data {
		// every pin should carry an "orig" size but the API doesn't promise it
		orig, ok := pin.Images["orig"]
		if !ok {
			continue
		}
		post := scrape.Post{
			UniqueIdentifier: pin.ID,
			URL:              fmt.Sprintf("https://www.pinterest.com/pin/%s", pin.ID),
			// pinterest does not expose when things were pinned
			PostDate: nil,
			Images: []scrape.Media{{
				Type:             scrape.MediaImage,
				MediaURL:         orig.URL,
				UniqueIdentifier: pin.ID,
			}},
		}
		if pin.Pinner != nil {
			post.Account = scrape.Account{Name: pin.Pinner.FullName}
			if pin.Pinner.ImageXlargeURL != nil {
				post.Account.AvatarURL = *pin.Pinner.ImageXlargeURL
			}
		}
		if pin.RichSummary != nil {
			post.Images[0].ReferenceURL = pin.RichSummary.URL
		}
		posts = append(posts, post)
	}

	page := scrape.PageResult{
		Posts:         posts,
		ResponseCode:  res.StatusCode,
		ResponseDelay: delay,
	}
	// a bookmark comes back when there are more pins to fetch
	if bm := body.ResourceResponse.Bookmark; bm != nil && *bm != "" {
		return scrape.Step{Kind: scrape.StepNext, Page: page, Cursor: scrape.Pagination{NextCursor: *bm}}, nil
	}
	return scrape.Step{Kind: scrape.StepEnd, Page: page}, nil
}

type pinterestBoardLookup struct {
	ResourceResponse struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	} `json:"resource_response"`
}

// Introspect resolves a board page URL into "board_id|board_path" using the
// board resource endpoint.
func (p *PinterestBoard) Introspect(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", scrape.ErrURL
	}
	path := strings.TrimSuffix(u.Path, "/")
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", scrape.ErrURL
	}
	boardPath := "/" + parts[0] + "/" + parts[1] + "/"

	dict := map[string]any{
		"options": map[string]any{
			"slug":          parts[1],
			"username":      parts[0],
			"field_set_key": "detailed",
		},
	}
	data, _ := json.Marshal(dict)
	q := url.Values{}
	q.Set("source_url", boardPath)
	q.Set("data", string(data))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pinterestBoardURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header = scrape.DefaultHeaders()
	res, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	var body pinterestBoardLookup
	if httpErr := scrape.ParseJSONResponse(res, &body); httpErr != nil {
		return "", httpErr
	}
	if body.ResourceResponse.Data.ID == "" {
		return "", fmt.Errorf("board lookup for %s returned no id", boardPath)
	}
	return body.ResourceResponse.Data.ID + pinterestSeparator + boardPath, nil
}

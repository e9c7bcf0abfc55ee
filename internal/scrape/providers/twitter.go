package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PortNumber53/media-discovery-thing/internal/scrape"
)

const (
	twitterHome          = "https://twitter.com/"
	twitterGuestActivate = "https://api.twitter.com/1.1/guest/activate.json"
	twitterTimelineRoot  = "https://api.twitter.com/2/timeline/profile"
	twitterUserLookup    = "https://api.twitter.com/2/users/by/username"

	// the web client's public bearer token; override with TWITTER_BEARER_TOKEN
	twitterDefaultBearer = "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

	twitterUserAgent = "HTC Mozilla/5.0 (Linux; Android 7.0; HTC 10 Build/NRD90M) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/58.0.3029.83 Mobile Safari/537.36"

	// guest tokens are a limited resource; keep pagination shallow unless
	// configured otherwise
	twitterDefaultPaginationLimit = 3
)

// TwitterTimeline scrapes a user timeline through the guest-token web API.
// Destinations are the numeric user id.
type TwitterTimeline struct {
	scrape.ProviderDefaults
	Client *http.Client
	// the guest token lives in the access-token half of the slot
	Creds *scrape.SharedCredentials
}

func (p *TwitterTimeline) Kind() scrape.Kind { return scrape.KindTwitterTimeline }

func (p *TwitterTimeline) Wait(ctx context.Context, key string) error {
	return p.Limiter.Wait(ctx, p.Kind())
}

func (p *TwitterTimeline) RequiresAuth() bool                     { return true }
func (p *TwitterTimeline) Credentials() *scrape.SharedCredentials { return p.Creds }

func (p *TwitterTimeline) MaxPagination() int {
	if v := os.Getenv("TWITTER_PAGINATION_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return twitterDefaultPaginationLimit
}

func (p *TwitterTimeline) NextPageSize(lastScrape *time.Time, iteration int) int {
	if iteration > 1 {
		return 100
	}
	return 20
}

func (p *TwitterTimeline) MatchDomain(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	return host == "twitter.com" || host == "x.com"
}

func twitterBearer() string {
	if v := os.Getenv("TWITTER_BEARER_TOKEN"); v != "" {
		return v
	}
	return twitterDefaultBearer
}

// timelineQuery mirrors the parameter soup the web client sends; most of it
// is required for the endpoint to return extended entities.
var timelineQuery = [][2]string{
	{"include_profile_interstitial_type", "1"},
	{"include_blocking", "1"},
	{"include_blocked_by", "1"},
	{"include_followed_by", "1"},
	{"include_want_retweets", "1"},
	{"include_mute_edge", "1"},
	{"include_can_dm", "1"},
	{"include_can_media_tag", "1"},
	{"skip_status", "1"},
	{"cards_platform", "Web-12"},
	{"include_cards", "1"},
	{"include_ext_alt_text", "true"},
	{"include_quote_count", "true"},
	{"include_reply_count", "1"},
	{"tweet_mode", "extended"},
	{"include_entities", "true"},
	{"include_user_entities", "true"},
	{"include_ext_media_color", "true"},
	{"include_ext_media_availability", "true"},
	{"send_error_codes", "true"},
	{"simple_quoted_tweet", "true"},
	{"include_tweet_replies", "true"},
	{"ext", "mediaStats,highlightedLabel"},
}

func (p *TwitterTimeline) BuildURL(destination string, pageSize int, cursor *scrape.Pagination) (string, error) {
	if destination == "" {
		return "", scrape.ErrURL
	}
	q := url.Values{}
	for _, kv := range timelineQuery {
		q.Set(kv[0], kv[1])
	}
	q.Set("count", strconv.Itoa(pageSize))
	if cursor != nil {
		q.Set("cursor", cursor.Token())
	}
	return fmt.Sprintf("%s/%s.json?%s", twitterTimelineRoot, destination, q.Encode()), nil
}

type twitterMediaEntity struct {
	IDStr         string `json:"id_str"`
	MediaURLHTTPS string `json:"media_url_https"`
	ExpandedURL   string `json:"expanded_url"`
	Type          string `json:"type"`
	OriginalInfo  struct {
		Width  int64 `json:"width"`
		Height int64 `json:"height"`
	} `json:"original_info"`
}

type twitterTweet struct {
	CreatedAt     string  `json:"created_at"`
	IDStr         string  `json:"id_str"`
	FullText      *string `json:"full_text"`
	UserIDStr     string  `json:"user_id_str"`
	RetweetCount  *int64  `json:"retweet_count"`
	FavoriteCount *int64  `json:"favorite_count"`
	Lang          *string `json:"lang"`
	Entities      struct {
		Media []twitterMediaEntity `json:"media"`
	} `json:"entities"`
}

type twitterUser struct {
	Name            string `json:"name"`
	ScreenName      string `json:"screen_name"`
	ProfileImageURL string `json:"profile_image_url_https"`
}

type twitterEntry struct {
	EntryID string `json:"entryId"`
	Content struct {
		Item struct {
			Content struct {
				Tweet struct {
					ID string `json:"id"`
				} `json:"tweet"`
			} `json:"content"`
		} `json:"item"`
		Operation struct {
			Cursor struct {
				Value      string `json:"value"`
				CursorType string `json:"cursorType"`
			} `json:"cursor"`
		} `json:"operation"`
	} `json:"content"`
}

type twitterTimelineResponse struct {
	GlobalObjects struct {
		Tweets map[string]twitterTweet `json:"tweets"`
		Users  map[string]twitterUser  `json:"users"`
	} `json:"globalObjects"`
	Timeline struct {
		Instructions []map[string]json.RawMessage `json:"instructions"`
	} `json:"timeline"`
}

// twitter wire strings escape slashes even inside JSON strings
func twitterUnescape(s string) string {
	return strings.ReplaceAll(s, `\/`, "/")
}

// "Wed Oct 10 20:19:24 +0000 2018"
const twitterTimeLayout = "Mon Jan 02 15:04:05 -0700 2006"

func (p *TwitterTimeline) Unfold(ctx context.Context, state scrape.State) (scrape.Step, *scrape.HTTPError) {
	token, ok := p.Creds.Read()
	if !ok {
		return scrape.Step{Kind: scrape.StepNotInitialized}, nil
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, state.URL, nil)
	if err != nil {
		return scrape.Step{}, scrape.TransportError(err, true)
	}
	req.Header.Set("User-Agent", twitterUserAgent)
	req.Header.Set("Authorization", "Bearer "+twitterBearer())
	req.Header.Set("X-Guest-Token", token.AccessToken)
	res, err := p.Client.Do(req)
	if err != nil {
		return scrape.Step{}, scrape.TransportError(err, true)
	}
	delay := time.Since(start)

	var body twitterTimelineResponse
	if httpErr := scrape.ParseJSONResponse(res, &body); httpErr != nil {
		return scrape.Step{}, httpErr
	}

	var entries []twitterEntry
	for _, instruction := range body.Timeline.Instructions {
		raw, ok := instruction["addEntries"]
		if !ok {
			continue
		}
		var add struct {
			Entries []twitterEntry `json:"entries"`
		}
		if err := json.Unmarshal(raw, &add); err != nil {
			return scrape.Step{}, &scrape.HTTPError{
				Kind:    scrape.ErrUnexpectedBody,
				Code:    res.StatusCode,
				Message: "could not decode addEntries instruction",
			}
		}
		entries = add.Entries
		break
	}
	if entries == nil {
		return scrape.Step{}, &scrape.HTTPError{
			Kind:    scrape.ErrUnexpectedBody,
			Code:    res.StatusCode,
			Message: "no addEntries instruction in timeline response",
		}
	}

	var posts []scrape.Post
	var nextCursor string
	for _, entry := range entries {
		if cursor := entry.Content.Operation.Cursor; cursor.Value != "" {
			if cursor.CursorType == "Bottom" || nextCursor == "" {
				nextCursor = cursor.Value
			}
			continue
		}
		if !strings.HasPrefix(entry.EntryID, "tweet-") {
			continue
		}
		id := entry.Content.Item.Content.Tweet.ID
		if id == "" {
			id = strings.TrimPrefix(entry.EntryID, "tweet-")
		}
		tweet, ok := body.GlobalObjects.Tweets[id]
		if !ok {
			continue
		}
		// tweets without attached media are not interesting to us
		if len(tweet.Entities.Media) == 0 {
			continue
		}
		post := scrape.Post{
			UniqueIdentifier: tweet.IDStr,
			Metadata: mustJSON(map[string]any{
				"like_count":    tweet.FavoriteCount,
				"retweet_count": tweet.RetweetCount,
				"language":      tweet.Lang,
			}),
		}
		if tweet.FullText != nil {
			post.Body = twitterUnescape(*tweet.FullText)
		}
		if t, err := time.Parse(twitterTimeLayout, tweet.CreatedAt); err == nil {
			utc := t.UTC()
			post.PostDate = &utc
		}
		if user, ok := body.GlobalObjects.Users[tweet.UserIDStr]; ok {
			post.Account = scrape.Account{Name: user.Name, AvatarURL: user.ProfileImageURL}
			post.URL = fmt.Sprintf("https://twitter.com/%s/status/%s", user.ScreenName, tweet.IDStr)
		}
		for _, media := range tweet.Entities.Media {
			kind := scrape.MediaImage
			if media.Type == "video" {
				kind = scrape.MediaVideo
			}
			post.Images = append(post.Images, scrape.Media{
				Type:             kind,
				UniqueIdentifier: media.IDStr,
				MediaURL:         twitterUnescape(media.MediaURLHTTPS),
				ReferenceURL:     twitterUnescape(media.ExpandedURL),
				Metadata: mustJSON(map[string]any{
					"width":  media.OriginalInfo.Width,
					"height": media.OriginalInfo.Height,
				}),
			})
		}
		posts = append(posts, post)
	}

	page := scrape.PageResult{
		Posts:         posts,
		ResponseCode:  res.StatusCode,
		ResponseDelay: delay,
	}
	if nextCursor != "" {
		return scrape.Step{
			Kind:   scrape.StepNext,
			Page:   page,
			Cursor: scrape.Pagination{NextCursor: nextCursor},
		}, nil
	}
	return scrape.Step{Kind: scrape.StepEnd, Page: page}, nil
}

func (p *TwitterTimeline) OnError(err *scrape.HTTPError) scrape.ErrorHandle {
	switch err.Kind {
	case scrape.ErrFailStatus, scrape.ErrUnexpectedBody:
		// guest tokens expire quickly; a 403 just means we need a new one
		if err.Code == http.StatusForbidden {
			return scrape.ErrorHandle{Action: scrape.HandleLogin}
		}
	}
	return scrape.ErrorHandle{Action: scrape.HandleHalt}
}

var twitterGuestTokenRe = regexp.MustCompile(`gt=(.*?);`)

// Login obtains a guest token, first from the homepage HTML and, when the
// markup inevitably changes, from the guest activation endpoint.
func (p *TwitterTimeline) Login(ctx context.Context) (scrape.Credentials, error) {
	token, err := p.guestTokenFromHomepage(ctx)
	if err == nil {
		return scrape.Credentials{AccessToken: token}, nil
	}
	token, actErr := p.guestTokenFromActivation(ctx)
	if actErr != nil {
		return scrape.Credentials{}, fmt.Errorf("guest token: homepage: %v; activation: %w", err, actErr)
	}
	return scrape.Credentials{AccessToken: token}, nil
}

func (p *TwitterTimeline) guestTokenFromHomepage(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, twitterHome, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", twitterUserAgent)
	res, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	var html strings.Builder
	if _, err := copyBounded(&html, res.Body, 4<<20); err != nil {
		return "", err
	}
	m := twitterGuestTokenRe.FindStringSubmatch(html.String())
	if m == nil {
		return "", fmt.Errorf("no guest token in the twitter homepage")
	}
	return m[1], nil
}

type twitterGuestActivateResponse struct {
	GuestToken string `json:"guest_token"`
}

func (p *TwitterTimeline) guestTokenFromActivation(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, twitterGuestActivate, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", twitterUserAgent)
	req.Header.Set("Authorization", "Bearer "+twitterBearer())
	res, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	var body twitterGuestActivateResponse
	if httpErr := scrape.ParseJSONResponse(res, &body); httpErr != nil {
		return "", httpErr
	}
	if body.GuestToken == "" {
		return "", fmt.Errorf("guest activation returned no token")
	}
	return body.GuestToken, nil
}

type twitterUserLookupResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Introspect resolves a profile URL into the numeric user id.
func (p *TwitterTimeline) Introspect(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", scrape.ErrURL
	}
	handle := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")[0]
	if handle == "" {
		return "", scrape.ErrURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, twitterUserLookup+"/"+url.PathEscape(handle), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", twitterUserAgent)
	req.Header.Set("Authorization", "Bearer "+twitterBearer())
	res, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	var body twitterUserLookupResponse
	if httpErr := scrape.ParseJSONResponse(res, &body); httpErr != nil {
		return "", httpErr
	}
	if body.Data.ID == "" {
		return "", fmt.Errorf("no user id for handle %q", handle)
	}
	return body.Data.ID, nil
}

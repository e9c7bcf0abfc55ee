package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/PortNumber53/media-discovery-thing/internal/scrape"
)

const (
	unitedCubeRoot      = "https://united-cube.com"
	unitedCubeLoginURL  = "https://united-cube.com/v1/auth/login"
	unitedCubePerPage   = 15
	unitedCubeSeparator = "|"
)

// UnitedCubeArtistFeed scrapes a club board. Destinations are
// "club_id|board_id". Auth is a plain email/password login; expired tokens
// come back as a 400 with a "Token Expired" message body.
type UnitedCubeArtistFeed struct {
	scrape.ProviderDefaults
	Client *http.Client
	Creds  *scrape.SharedCredentials
}

func (p *UnitedCubeArtistFeed) Kind() scrape.Kind { return scrape.KindUnitedCubeArtist }

func (p *UnitedCubeArtistFeed) Wait(ctx context.Context, key string) error {
	return p.Limiter.Wait(ctx, p.Kind())
}

func (p *UnitedCubeArtistFeed) RequiresAuth() bool                     { return true }
func (p *UnitedCubeArtistFeed) Credentials() *scrape.SharedCredentials { return p.Creds }

func (p *UnitedCubeArtistFeed) NextPageSize(lastScrape *time.Time, iteration int) int {
	return unitedCubePerPage
}

func (p *UnitedCubeArtistFeed) MatchDomain(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.TrimPrefix(u.Hostname(), "www.") == "united-cube.com"
}

func (p *UnitedCubeArtistFeed) BuildURL(destination string, pageSize int, cursor *scrape.Pagination) (string, error) {
	clubID, boardID, ok := strings.Cut(destination, unitedCubeSeparator)
	if !ok {
		return "", scrape.ErrURL
	}
	pageNum := 1
	if cursor != nil && cursor.NextPage > 0 {
		pageNum = cursor.NextPage
	}
	q := url.Values{}
	q.Set("club", clubID)
	q.Set("board", boardID)
	q.Set("page", strconv.Itoa(pageNum))
	q.Set("per_page", strconv.Itoa(pageSize))
	return unitedCubeRoot + "/v1/posts?" + q.Encode(), nil
}

// united cube post media is a tagged sum: images carry a site-relative
// path, videos an absolute url, and post links are cross-references we
// don't treat as media.
type unitedCubeMedia struct {
	Type string `json:"type"`
	Path string `json:"path"`
	URL  string `json:"url"`
}

type unitedCubeAuthor struct {
	Name   string  `json:"name"`
	Avatar *string `json:"profile_image"`
}

type unitedCubePost struct {
	Slug       string            `json:"slug"`
	Content    *string           `json:"content"`
	Author     unitedCubeAuthor  `json:"user"`
	Media      []unitedCubeMedia `json:"media"`
	RegisterAt time.Time         `json:"register_datetime"`
}

type unitedCubePage struct {
	CurrentPage int              `json:"current_page"`
	TotalPages  int              `json:"total_pages"`
	Items       []unitedCubePost `json:"items"`
}

// fileStem extracts the filename without extension; united cube media paths
// embed a uuid there which serves as the unique identifier.
func fileStem(p string) string {
	base := path.Base(p)
	if i := strings.LastIndex(base, "."); i > 0 {
		return base[:i]
	}
	return base
}

func unitedCubeAbsolute(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return unitedCubeRoot + "/" + strings.TrimPrefix(raw, "/")
}

func (p *UnitedCubeArtistFeed) Unfold(ctx context.Context, state scrape.State) (scrape.Step, *scrape.HTTPError) {
	creds, ok := p.Creds.Read()
	if !ok {
		return scrape.Step{Kind: scrape.StepNotInitialized}, nil
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, state.URL, nil)
	if err != nil {
		return scrape.Step{}, scrape.TransportError(err, true)
	}
	req.Header = scrape.DefaultHeaders()
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	res, err := p.Client.Do(req)
	if err != nil {
		return scrape.Step{}, scrape.TransportError(err, true)
	}
	delay := time.Since(start)

	var body unitedCubePage
	if httpErr := scrape.ParseJSONResponse(res, &body); httpErr != nil {
		return scrape.Step{}, httpErr
	}

	posts := make([]scrape.Post, 0, len(body.Items))
	for _, item := range body.Items {
		registered := item.RegisterAt.UTC()
		post := scrape.Post{
			Account:          scrape.Account{Name: item.Author.Name},
			UniqueIdentifier: item.Slug,
			URL:              fmt.Sprintf("%s/posts/%s", unitedCubeRoot, item.Slug),
			PostDate:         &registered,
		}
		if item.Author.Avatar != nil {
			post.Account.AvatarURL = unitedCubeAbsolute(*item.Author.Avatar)
		}
		if item.Content != nil {
			post.Body = *item.Content
		}
		for _, m := range item.Media {
			switch m.Type {
			case "image":
				if m.Path == "" {
					continue
				}
				post.Images = append(post.Images, scrape.Media{
					Type:             scrape.MediaImage,
					MediaURL:         unitedCubeAbsolute(m.Path),
					ReferenceURL:     post.URL,
					UniqueIdentifier: fileStem(m.Path),
				})
			case "video":
				// externally hosted videos (youtube embeds) are not media we track
				if m.URL == "" || !strings.HasPrefix(m.URL, unitedCubeRoot) {
					continue
				}
				post.Images = append(post.Images, scrape.Media{
					Type:             scrape.MediaVideo,
					MediaURL:         m.URL,
					ReferenceURL:     post.URL,
					UniqueIdentifier: fileStem(m.URL),
				})
			default:
				// "post" entries are links to other posts
			}
		}
		posts = append(posts, post)
	}

	page := scrape.PageResult{
		Posts:         posts,
		ResponseCode:  res.StatusCode,
		ResponseDelay: delay,
	}
	if body.CurrentPage < body.TotalPages {
		return scrape.Step{
			Kind:   scrape.StepNext,
			Page:   page,
			Cursor: scrape.Pagination{NextPage: body.CurrentPage + 1},
		}, nil
	}
	return scrape.Step{Kind: scrape.StepEnd, Page: page}, nil
}

type unitedCubeErrorBody struct {
	Message string `json:"message"`
}

func (p *UnitedCubeArtistFeed) OnError(err *scrape.HTTPError) scrape.ErrorHandle {
	if err.Kind == scrape.ErrFailStatus && err.Code == http.StatusBadRequest {
		var body unitedCubeErrorBody
		if json.Unmarshal([]byte(err.Body), &body) == nil && body.Message == "Token Expired" {
			if creds, ok := p.Creds.Read(); ok {
				return scrape.ErrorHandle{Action: scrape.HandleRefreshToken, Refresh: creds}
			}
			return scrape.ErrorHandle{Action: scrape.HandleLogin}
		}
	}
	return scrape.ErrorHandle{Action: scrape.HandleHalt}
}

type unitedCubeLoginResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
}

func (p *UnitedCubeArtistFeed) login(ctx context.Context, refreshToken *string) (scrape.Credentials, error) {
	email := os.Getenv("UNITED_CUBE_EMAIL")
	password := os.Getenv("UNITED_CUBE_PASSWORD")
	if email == "" || password == "" {
		return scrape.Credentials{}, fmt.Errorf("united cube credentials missing")
	}
	payload, _ := json.Marshal(map[string]any{
		"refresh_token": refreshToken,
		"path":          "https://www.united-cube.com/signin",
		"id":            email,
		"pw":            password,
		"remember_me":   false,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, unitedCubeLoginURL, bytes.NewReader(payload))
	if err != nil {
		return scrape.Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := p.Client.Do(req)
	if err != nil {
		return scrape.Credentials{}, err
	}
	var out unitedCubeLoginResponse
	if httpErr := scrape.ParseJSONResponse(res, &out); httpErr != nil {
		return scrape.Credentials{}, httpErr
	}
	return scrape.Credentials{AccessToken: out.Token, RefreshToken: out.RefreshToken}, nil
}

func (p *UnitedCubeArtistFeed) Login(ctx context.Context) (scrape.Credentials, error) {
	return p.login(ctx, nil)
}

func (p *UnitedCubeArtistFeed) TokenRefresh(ctx context.Context, creds scrape.Credentials) (scrape.Credentials, error) {
	rt := creds.RefreshToken
	return p.login(ctx, &rt)
}

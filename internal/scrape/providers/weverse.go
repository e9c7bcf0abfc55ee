package providers

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/PortNumber53/media-discovery-thing/internal/scrape"
)

const (
	weverseLoginPageURL = "https://account.weverse.io/login/auth?client_id=weverse-test&hl=en"
	weverseTokenURL     = "https://accountapi.weverse.io/api/v1/oauth/token"
	weverseAPIRoot      = "https://weversewebapi.weverse.io/wapi/v1"
	weverseClientID     = "weverse-test"

	weverseMaxPageSize = 30
	// weverse's own web client paginates with 16
	weverseDefaultPageSize = 16
)

// weverseArtists maps community ids to the handles used in share URLs.
var weverseArtists = map[int]string{
	14: "dreamcatcher",
	10: "sunmi",
}

// WeverseArtistFeed scrapes a community's artist tab. Destinations are the
// numeric community id. Requires OAuth; without credentials in the
// environment the provider never initializes and every scrape exits quietly.
type WeverseArtistFeed struct {
	scrape.ProviderDefaults
	Client *http.Client
	Creds  *scrape.SharedCredentials
}

func (p *WeverseArtistFeed) Kind() scrape.Kind { return scrape.KindWeverseArtistFeed }

func (p *WeverseArtistFeed) Wait(ctx context.Context, key string) error {
	return p.Limiter.Wait(ctx, p.Kind())
}

func (p *WeverseArtistFeed) RequiresAuth() bool                     { return true }
func (p *WeverseArtistFeed) Credentials() *scrape.SharedCredentials { return p.Creds }
func (p *WeverseArtistFeed) MaxPagination() int                     { return 2 }

func (p *WeverseArtistFeed) NextPageSize(lastScrape *time.Time, iteration int) int {
	if lastScrape == nil {
		return weverseMaxPageSize
	}
	if iteration > 2 {
		return weverseMaxPageSize
	}
	return weverseDefaultPageSize
}

func (p *WeverseArtistFeed) MatchDomain(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.TrimPrefix(u.Hostname(), "www.") == "weverse.io"
}

// Introspect maps a weverse.io/<handle> URL back to the numeric community id
// through the baked-in artist table.
func (p *WeverseArtistFeed) Introspect(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", scrape.ErrURL
	}
	handle := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")[0]
	for id, name := range weverseArtists {
		if name == handle {
			return fmt.Sprintf("%d", id), nil
		}
	}
	return "", fmt.Errorf("unknown weverse artist handle %q", handle)
}

func (p *WeverseArtistFeed) BuildURL(destination string, pageSize int, cursor *scrape.Pagination) (string, error) {
	q := url.Values{}
	q.Set("pageSize", fmt.Sprintf("%d", pageSize))
	if cursor != nil {
		q.Set("from", cursor.Token())
	}
	return fmt.Sprintf("%s/communities/%s/posts/artistTab?%s", weverseAPIRoot, destination, q.Encode()), nil
}

type weversePhoto struct {
	ID              int64  `json:"id"`
	OrgImgURL       string `json:"orgImgUrl"`
	OrgImgHeight    int    `json:"orgImgHeight"`
	OrgImgWidth     int    `json:"orgImgWidth"`
	ThumbnailImgURL string `json:"thumbnailImgUrl"`
	PostID          int64  `json:"postId"`
}

type weverseCommunityUser struct {
	CommunityID     int    `json:"communityId"`
	ArtistID        int    `json:"artistId"`
	ProfileImgPath  string `json:"profileImgPath"`
	ProfileNickname string `json:"profileNickname"`
}

type weversePost struct {
	ID            int64                `json:"id"`
	Body          *string              `json:"body"`
	CommunityUser weverseCommunityUser `json:"communityUser"`
	Photos        []weversePhoto       `json:"photos"`
	CreatedAt     time.Time            `json:"createdAt"`
}

type weversePage struct {
	IsEnded bool          `json:"isEnded"`
	LastID  int64         `json:"lastId"`
	Posts   []weversePost `json:"posts"`
}

func weversePostURL(communityID int, postID, photoID int64) string {
	handle, ok := weverseArtists[communityID]
	if !ok {
		// an unmapped community still deserves a stable, clickable URL
		handle = fmt.Sprintf("community-%d", communityID)
	}
	return fmt.Sprintf("https://weverse.io/%s/artist/%d?photoId=%d", handle, postID, photoID)
}

func (p *WeverseArtistFeed) Unfold(ctx context.Context, state scrape.State) (scrape.Step, *scrape.HTTPError) {
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

	var body weversePage
	if httpErr := scrape.ParseJSONResponse(res, &body); httpErr != nil {
		return scrape.Step{}, httpErr
	}

	posts := make([]scrape.Post, 0, len(body.Posts))
	for _, wp := range body.Posts {
		user := wp.CommunityUser
		postDate := wp.CreatedAt.UTC()
		post := scrape.Post{
			Account: scrape.Account{
				Name:      user.ProfileNickname,
				AvatarURL: user.ProfileImgPath,
			},
			UniqueIdentifier: fmt.Sprintf("%d", wp.ID),
			PostDate:         &postDate,
			Metadata: mustJSON(map[string]any{
				"author_id":   user.ArtistID,
				"author_name": user.ProfileNickname,
			}),
		}
		if wp.Body != nil {
			post.Body = *wp.Body
		}
		if len(wp.Photos) > 0 {
			post.URL = weversePostURL(user.CommunityID, wp.ID, wp.Photos[0].ID)
		}
		for _, photo := range wp.Photos {
			post.Images = append(post.Images, scrape.Media{
				Type: scrape.MediaImage,
				// photo ids are unique across all of weverse
				UniqueIdentifier: fmt.Sprintf("%d", photo.ID),
				MediaURL:         photo.OrgImgURL,
				ReferenceURL:     weversePostURL(user.CommunityID, wp.ID, photo.ID),
				Metadata: mustJSON(map[string]any{
					"height":        photo.OrgImgHeight,
					"width":         photo.OrgImgWidth,
					"thumbnail_url": photo.ThumbnailImgURL,
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
	if !body.IsEnded {
		return scrape.Step{
			Kind:   scrape.StepNext,
			Page:   page,
			Cursor: scrape.Pagination{NextCursor: fmt.Sprintf("%d", body.LastID)},
		}, nil
	}
	return scrape.Step{Kind: scrape.StepEnd, Page: page}, nil
}

func (p *WeverseArtistFeed) OnError(err *scrape.HTTPError) scrape.ErrorHandle {
	switch err.Kind {
	case scrape.ErrFailStatus, scrape.ErrUnexpectedBody:
		if err.Code == http.StatusUnauthorized || err.Code == http.StatusForbidden {
			if creds, ok := p.Creds.Read(); ok {
				return scrape.ErrorHandle{Action: scrape.HandleRefreshToken, Refresh: creds}
			}
			return scrape.ErrorHandle{Action: scrape.HandleLogin}
		}
	}
	return scrape.ErrorHandle{Action: scrape.HandleHalt}
}

type weverseTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

func (p *WeverseArtistFeed) TokenRefresh(ctx context.Context, creds scrape.Credentials) (scrape.Credentials, error) {
	payload, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     weverseClientID,
		"refresh_token": creds.RefreshToken,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, weverseTokenURL, bytes.NewReader(payload))
	if err != nil {
		return scrape.Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := p.Client.Do(req)
	if err != nil {
		return scrape.Credentials{}, err
	}
	var out weverseTokenResponse
	if httpErr := scrape.ParseJSONResponse(res, &out); httpErr != nil {
		return scrape.Credentials{}, httpErr
	}
	return scrape.Credentials{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}, nil
}

// Login acquires the first token pair. WEVERSE_ACCESS_TOKEN short-circuits
// the password dance for operators who already hold a long-lived token;
// otherwise the password is RSA-encrypted with the public key embedded in
// the login page's JS bundle and exchanged at the OAuth endpoint.
func (p *WeverseArtistFeed) Login(ctx context.Context) (scrape.Credentials, error) {
	if token := os.Getenv("WEVERSE_ACCESS_TOKEN"); token != "" {
		return scrape.Credentials{AccessToken: token}, nil
	}
	email := os.Getenv("WEVERSE_EMAIL")
	password := os.Getenv("WEVERSE_PASSWORD")
	if email == "" || password == "" {
		return scrape.Credentials{}, fmt.Errorf("weverse credentials missing")
	}

	key, err := p.fetchPublicKey(ctx)
	if err != nil {
		return scrape.Credentials{}, fmt.Errorf("weverse public key: %w", err)
	}
	encrypted, err := encryptWeversePassword(password, key)
	if err != nil {
		return scrape.Credentials{}, err
	}

	payload, _ := json.Marshal(map[string]string{
		"grant_type": "password",
		"client_id":  weverseClientID,
		"username":   email,
		"password":   encrypted,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, weverseTokenURL, bytes.NewReader(payload))
	if err != nil {
		return scrape.Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := p.Client.Do(req)
	if err != nil {
		return scrape.Credentials{}, err
	}
	var out weverseTokenResponse
	if httpErr := scrape.ParseJSONResponse(res, &out); httpErr != nil {
		return scrape.Credentials{}, httpErr
	}
	return scrape.Credentials{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}, nil
}

var (
	weverseBundleRe = regexp.MustCompile(`/(static/js/main\..*?\.js)`)
	weverseRSARe    = regexp.MustCompile(`(-----BEGIN RSA PUBLIC KEY-----(?s:.)+?-----END RSA PUBLIC KEY-----)`)
)

// fetchPublicKey scrapes the RSA public key weverse hardcodes into its login
// bundle. The key is a DER-encoded PKIX (SubjectPublicKeyInfo) public key
// wrapped in PEM-style markers with literal "\n" escapes.
func (p *WeverseArtistFeed) fetchPublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	page, err := p.fetchText(ctx, http.MethodPost, weverseLoginPageURL)
	if err != nil {
		return nil, err
	}
	m := weverseBundleRe.FindStringSubmatch(page)
	if m == nil {
		return nil, fmt.Errorf("no main js bundle on the weverse login page, the site was changed")
	}
	bundle, err := p.fetchText(ctx, http.MethodGet, "https://account.weverse.io/"+m[1])
	if err != nil {
		return nil, err
	}
	km := weverseRSARe.FindStringSubmatch(bundle)
	if km == nil {
		return nil, fmt.Errorf("no hardcoded RSA key in the weverse js bundle")
	}
	var der strings.Builder
	for _, line := range strings.Split(strings.ReplaceAll(km[1], `\n`, "\n"), "\n") {
		if strings.HasPrefix(line, "-") {
			continue
		}
		der.WriteString(strings.TrimSpace(line))
	}
	raw, err := base64.StdEncoding.DecodeString(der.String())
	if err != nil {
		return nil, fmt.Errorf("decode weverse key: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse weverse key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("weverse key is not RSA")
	}
	return key, nil
}

func encryptWeversePassword(password string, key *rsa.PublicKey) (string, error) {
	encrypted, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, key, []byte(password), nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

func (p *WeverseArtistFeed) fetchText(ctx context.Context, method, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header = scrape.DefaultHeaders()
	res, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("%s returned %d", rawURL, res.StatusCode)
	}
	return string(body), nil
}

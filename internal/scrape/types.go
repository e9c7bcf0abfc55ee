package scrape

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a provider implementation. The string form is stable and
// shared with the database and outbound payloads.
type Kind string

const (
	KindPinterestBoard    Kind = "pinterest.board_feed"
	KindWeverseArtistFeed Kind = "weverse.artist_feed"
	KindUnitedCubeArtist  Kind = "united_cube.artist_feed"
	KindTwitterTimeline   Kind = "twitter.timeline"
)

// AllKinds lists every provider kind the process knows how to build.
func AllKinds() []Kind {
	return []Kind{KindPinterestBoard, KindWeverseArtistFeed, KindUnitedCubeArtist, KindTwitterTimeline}
}

// ParseKind maps a stored provider name back to its Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindPinterestBoard, KindWeverseArtistFeed, KindUnitedCubeArtist, KindTwitterTimeline:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown provider kind %q", s)
}

// ScopedTarget is a provider kind paired with a provider-specific destination
// (board id, community id, user id). (Kind, Destination) is unique.
type ScopedTarget struct {
	Kind        Kind
	Destination string
	Official    bool
}

func (t ScopedTarget) String() string {
	return string(t.Kind) + ":" + t.Destination
}

type MediaType string

const (
	MediaImage MediaType = "Image"
	MediaVideo MediaType = "Video"
)

// Media is a single discovered image or video URL.
type Media struct {
	Type             MediaType       `json:"type"`
	MediaURL         string          `json:"media_url"`
	ReferenceURL     string          `json:"reference_url,omitempty"`
	UniqueIdentifier string          `json:"unique_identifier"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

// Account is the author attached to a post, if the provider exposes one.
type Account struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Post groups the media discovered under one provider post.
type Post struct {
	Account          Account         `json:"account"`
	UniqueIdentifier string          `json:"unique_identifier"`
	URL              string          `json:"url,omitempty"`
	Body             string          `json:"body,omitempty"`
	PostDate         *time.Time      `json:"post_date"`
	Images           []Media         `json:"images"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

// PageResult is the parsed outcome of one successful page request.
type PageResult struct {
	Posts         []Post
	ResponseCode  int
	ResponseDelay time.Duration
}

// PageRequest is one entry in a scrape: either a page of data or the error
// that stopped pagination.
type PageRequest struct {
	Date time.Time
	Page *PageResult
	Err  *HTTPError
}

// Scrape accumulates the pages fetched for a single target execution. The
// requests are kept in fetch order; the persistence layer reverses them
// before insert so the newest media receives the largest id.
type Scrape struct {
	Target   ScopedTarget
	Requests []PageRequest
}

// NewPostCount counts posts across all data pages.
func (s *Scrape) NewPostCount() int {
	n := 0
	for _, req := range s.Requests {
		if req.Page != nil {
			n += len(req.Page.Posts)
		}
	}
	return n
}

// Posts flattens the posts of all data pages in fetch order.
func (s *Scrape) Posts() []Post {
	out := make([]Post, 0)
	for _, req := range s.Requests {
		if req.Page != nil {
			out = append(out, req.Page.Posts...)
		}
	}
	return out
}

// Pagination is the cursor echoed back to a provider to fetch the next page.
// Providers either count pages or carry an opaque cursor string.
type Pagination struct {
	NextPage   int
	NextCursor string
}

// Token renders the cursor the way request URLs expect it.
func (p Pagination) Token() string {
	if p.NextCursor != "" {
		return p.NextCursor
	}
	return fmt.Sprintf("%d", p.NextPage)
}

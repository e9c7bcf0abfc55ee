package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/PortNumber53/media-discovery-thing/internal/dispatch"
	"github.com/PortNumber53/media-discovery-thing/internal/scrape"
)

// LatestMediaIDs returns the most recent known media identifiers for a
// target; the scrape loop stops paginating once it sees one of these.
func (s *Store) LatestMediaIDs(ctx context.Context, target scrape.ScopedTarget) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT unique_identifier FROM media
		 WHERE provider_name = $1 AND provider_destination = $2
		 ORDER BY id DESC, discovered_at DESC
		 LIMIT 100
	`, string(target.Kind), target.Destination)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// WebhooksForTarget lists the webhook subscribers of a target along with the
// per-subscription metadata blob.
func (s *Store) WebhooksForTarget(ctx context.Context, target scrape.ScopedTarget) ([]dispatch.Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT webhook.id, webhook.destination, webhook_source.metadata
		  FROM webhook
		  JOIN webhook_source ON webhook_source.webhook_id = webhook.id
		 WHERE webhook_source.provider_name = $1 AND webhook_source.provider_destination = $2
	`, string(target.Kind), target.Destination)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]dispatch.Webhook, 0)
	for rows.Next() {
		var (
			wh       dispatch.Webhook
			metadata []byte
		)
		if err := rows.Scan(&wh.ID, &wh.Destination, &metadata); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			wh.Metadata = json.RawMessage(metadata)
		}
		out = append(out, wh)
	}
	return out, rows.Err()
}

// BrokerMetadata returns the amqp_source metadata for a target; ok is false
// when the target was never attached to the broker.
func (s *Store) BrokerMetadata(ctx context.Context, target scrape.ScopedTarget) (json.RawMessage, bool, error) {
	var metadata []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT metadata FROM amqp_source
		 WHERE provider_destination = $1 AND provider_name = $2
		 LIMIT 1
	`, target.Destination, string(target.Kind)).Scan(&metadata)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(metadata), true, nil
}

// ProcessScrape writes a completed scrape in one transaction: the scrape
// row, the resource bookkeeping, every page and its media, and every error.
// The request list is reversed in place first so the first-fetched (newest)
// media receives the largest database id; callers must not rely on the
// pre-reversal order afterwards.
func (s *Store) ProcessScrape(ctx context.Context, sc *scrape.Scrape, priority float64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var scrapeID int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO scrape (provider_name, provider_destination, priority, scraped_at)
		VALUES ($1, $2, $3, NOW()) RETURNING id
	`, string(sc.Target.Kind), sc.Target.Destination, priority).Scan(&scrapeID); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE provider_resource
		   SET last_scrape = NOW(), tokens = tokens - 1
		 WHERE name = $1 AND destination = $2
	`, string(sc.Target.Kind), sc.Target.Destination); err != nil {
		return 0, err
	}

	reverseRequests(sc.Requests)

	for i, req := range sc.Requests {
		switch {
		case req.Page != nil:
			var requestID int64
			if err := tx.QueryRowContext(ctx, `
				INSERT INTO scrape_request (scrape_id, response_code, response_delay, scraped_at, page)
				VALUES ($1, $2, $3, $4, $5) RETURNING id
			`, scrapeID, req.Page.ResponseCode, req.Page.ResponseDelay.Milliseconds(), req.Date, i+1).Scan(&requestID); err != nil {
				return 0, err
			}
			if err := insertPageMedia(ctx, tx, sc.Target, requestID, req); err != nil {
				return 0, err
			}
		case req.Err != nil:
			if err := insertScrapeError(ctx, tx, scrapeID, req.Err); err != nil {
				return 0, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return scrapeID, nil
}

// insertPageMedia appends a page's media with posts and images reversed so
// ids end up newest-largest within the page as well.
func insertPageMedia(ctx context.Context, tx *sql.Tx, target scrape.ScopedTarget, requestID int64, req scrape.PageRequest) error {
	posts := make([]scrape.Post, len(req.Page.Posts))
	copy(posts, req.Page.Posts)
	reversePosts(posts)
	for _, post := range posts {
		for j := len(post.Images) - 1; j >= 0; j-- {
			media := post.Images[j]
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO media (
					provider_name, provider_destination, scrape_request_id,
					image_url, page_url, reference_url, unique_identifier,
					posted_at, discovered_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (image_url) DO UPDATE SET discovered_at = NOW()
			`,
				string(target.Kind),
				target.Destination,
				requestID,
				media.MediaURL,
				nullString(post.URL),
				nullString(media.ReferenceURL),
				media.UniqueIdentifier,
				nullTime(post.PostDate),
				req.Date,
			); err != nil {
				return err
			}
		}
	}
	return nil
}

func insertScrapeError(ctx context.Context, tx *sql.Tx, scrapeID int64, httpErr *scrape.HTTPError) error {
	switch httpErr.Kind {
	case scrape.ErrTransport:
		if httpErr.RequestPhase || httpErr.Code == 0 {
			// request-phase failures carry nothing worth a row
			log.Printf("[Store] transport error without a status scrape=%d err=%v", scrapeID, httpErr)
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO scrape_error (scrape_id, response_code) VALUES ($1, $2)
		`, scrapeID, httpErr.Code)
		return err
	default:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO scrape_error (scrape_id, response_code, response_body, message)
			VALUES ($1, $2, $3, $4)
		`, scrapeID, httpErr.Code, httpErr.Body, nullString(httpErr.Message))
		return err
	}
}

// SubmitWebhookResponses records delivery outcomes after the scrape has
// committed. Interactions without a status code never produced a response
// and are only logged.
func (s *Store) SubmitWebhookResponses(ctx context.Context, scrapeID int64, interactions []dispatch.WebhookInteraction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, interaction := range interactions {
		if interaction.StatusCode == 0 {
			log.Printf("[Store] webhook response without a status url=%s err=%v",
				interaction.Webhook.Destination, interaction.Err)
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO webhook_invocation (scrape_id, webhook_id, response_code, response_delay)
			VALUES ($1, $2, $3, $4)
		`, scrapeID, interaction.Webhook.ID, interaction.StatusCode, interaction.ResponseTime.Milliseconds()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// HistoryEntry is one row of the read API's scrape history view.
type HistoryEntry struct {
	ScrapeRequestID int64          `json:"scrape_request_id"`
	ScrapeID        int64          `json:"scrape_id"`
	ProviderName    string         `json:"provider_name"`
	URL             string         `json:"url"`
	ResponseCode    int            `json:"response_code"`
	ResponseDelay   int64          `json:"response_delay_ms"`
	Date            time.Time      `json:"date"`
	Media           []HistoryMedia `json:"media"`
}

type HistoryMedia struct {
	MediaURL string `json:"media_url"`
	PageURL  string `json:"page_url,omitempty"`
}

// LatestRequests returns the last 50 scrape requests with their media,
// newest first.
func (s *Store) LatestRequests(ctx context.Context) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sr.id, s.id, pr.name, pr.url, sr.response_code, sr.response_delay, sr.scraped_at
		  FROM scrape_request sr
		  JOIN scrape s ON s.id = sr.scrape_id
		  JOIN provider_resource pr
		    ON pr.name = s.provider_name AND pr.destination = s.provider_destination
		 ORDER BY sr.scraped_at DESC
		 LIMIT 50
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0)
	ids := make([]int64, 0)
	for rows.Next() {
		var (
			e   HistoryEntry
			url sql.NullString
		)
		if err := rows.Scan(&e.ScrapeRequestID, &e.ScrapeID, &e.ProviderName, &url, &e.ResponseCode, &e.ResponseDelay, &e.Date); err != nil {
			return nil, err
		}
		e.URL = url.String
		e.Media = make([]HistoryMedia, 0)
		out = append(out, e)
		ids = append(ids, e.ScrapeRequestID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}

	mediaRows, err := s.db.QueryContext(ctx, `
		SELECT scrape_request_id, image_url, page_url
		  FROM media
		 WHERE scrape_request_id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer mediaRows.Close()

	byRequest := make(map[int64][]HistoryMedia)
	for mediaRows.Next() {
		var (
			requestID int64
			imageURL  string
			pageURL   sql.NullString
		)
		if err := mediaRows.Scan(&requestID, &imageURL, &pageURL); err != nil {
			return nil, err
		}
		byRequest[requestID] = append(byRequest[requestID], HistoryMedia{
			MediaURL: imageURL,
			PageURL:  pageURL.String,
		})
	}
	if err := mediaRows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if media, ok := byRequest[out[i].ScrapeRequestID]; ok {
			out[i].Media = media
		}
	}
	return out, nil
}

func reverseRequests(requests []scrape.PageRequest) {
	for i, j := 0, len(requests)-1; i < j; i, j = i+1, j-1 {
		requests[i], requests[j] = requests[j], requests[i]
	}
}

func reversePosts(posts []scrape.Post) {
	for i, j := 0, len(posts)-1; i < j; i, j = i+1, j-1 {
		posts[i], posts[j] = posts[j], posts[i]
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/PortNumber53/media-discovery-thing/internal/schedule"
	"github.com/PortNumber53/media-discovery-thing/internal/scrape"
)

// requeueSuppression keeps a target out of fresh plans while a previous
// queue entry may still be waiting on its fire time.
const requeueSuppression = 90 * time.Minute

// PendingResources returns every resource eligible for today's plan:
// enabled, at least one token banked, and not queued within the suppression
// window.
func (s *Store) PendingResources(ctx context.Context) ([]schedule.Resource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, destination, official, priority, tokens, last_scrape, default_name
		  FROM provider_resource
		 WHERE enabled
		   AND tokens >= 1
		   AND (last_queue IS NULL OR last_queue < NOW() - $1::interval)
		 ORDER BY name DESC, destination DESC
	`, fmt.Sprintf("%d minutes", int(requeueSuppression.Minutes())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]schedule.Resource, 0)
	for rows.Next() {
		var (
			r           schedule.Resource
			name        string
			official    bool
			lastScrape  sql.NullTime
			defaultName sql.NullString
		)
		if err := rows.Scan(&r.ID, &name, &r.Target.Destination, &official, &r.Priority, &r.Tokens, &lastScrape, &defaultName); err != nil {
			return nil, err
		}
		kind, err := scrape.ParseKind(name)
		if err != nil {
			// a row written by a newer deploy; skip rather than fail the plan
			continue
		}
		r.Target.Kind = kind
		r.Target.Official = official
		if lastScrape.Valid {
			t := lastScrape.Time
			r.LastScrape = &t
		}
		r.DefaultName = defaultName.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkQueued stamps last_queue when a scrape is picked up so a refreshed
// plan won't schedule the target again while this one is in flight.
func (s *Store) MarkQueued(ctx context.Context, target scrape.ScopedTarget) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE provider_resource SET last_queue = NOW()
		 WHERE name = $1 AND destination = $2
	`, string(target.Kind), target.Destination)
	return err
}

// UpdatePriorities recomputes priority for the given resources from their
// last 30 completed scrapes. A resource that has never been granted tokens
// keeps its seed priority.
func (s *Store) UpdatePriorities(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT pr.id, pr.priority, s.priority, s.scraped_at,
		       (SELECT COUNT(*)
		          FROM media m
		          JOIN scrape_request sr ON sr.id = m.scrape_request_id
		         WHERE sr.scrape_id = s.id) AS discovery_count
		  FROM provider_resource pr
		  JOIN LATERAL (
		        SELECT id, priority, scraped_at
		          FROM scrape s
		         WHERE s.provider_name = pr.name
		           AND s.provider_destination = pr.destination
		         ORDER BY s.scraped_at DESC, id DESC
		         LIMIT 30
		  ) s ON TRUE
		 WHERE pr.enabled AND pr.id = ANY($1)
		 ORDER BY pr.id, s.scraped_at DESC
	`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()

	type resourceHistory struct {
		current float64
		history []schedule.ScrapeHistory
	}
	byResource := make(map[int64]*resourceHistory)
	order := make([]int64, 0)
	for rows.Next() {
		var (
			id            int64
			current       float64
			scrapePrio    float64
			scrapedAt     time.Time
			discoveryCnt  int
		)
		if err := rows.Scan(&id, &current, &scrapePrio, &scrapedAt, &discoveryCnt); err != nil {
			return err
		}
		rh, ok := byResource[id]
		if !ok {
			rh = &resourceHistory{current: current}
			byResource[id] = rh
			order = append(order, id)
		}
		rh.history = append(rh.history, schedule.ScrapeHistory{
			Date:        scrapedAt,
			Priority:    scrapePrio,
			ResultCount: discoveryCnt,
		})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range order {
		rh := byResource[id]
		if len(rh.history) == 0 {
			continue
		}
		next := schedule.NextPriority(rh.current, rh.history)
		if _, err := s.db.ExecContext(ctx, `
			UPDATE provider_resource SET priority = $1
			 WHERE id = $2 AND last_token_update IS NOT NULL
		`, next, id); err != nil {
			return err
		}
	}
	return nil
}

// GrantDailyTokens tops up every enabled resource that hasn't been granted
// in the past day. Tokens are capped at 4 so a long outage can't bank a
// scrape storm.
func (s *Store) GrantDailyTokens(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE provider_resource
		   SET tokens = LEAST(4, tokens + priority),
		       last_token_update = NOW()
		 WHERE enabled
		   AND (last_token_update IS NULL OR last_token_update + interval '1 day' <= NOW())
	`)
	return err
}

// UpsertResource registers a target from the provisioning API. Re-adding an
// existing (destination, name) pair only re-enables it.
func (s *Store) UpsertResource(ctx context.Context, target scrape.ScopedTarget, url, defaultName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_resource (name, destination, official, url, default_name, enabled, priority, tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, 1.0, 1, NOW())
		ON CONFLICT (destination, name) DO UPDATE SET enabled = TRUE
	`, string(target.Kind), target.Destination, target.Official, url, defaultName)
	return err
}

// DisableResource turns a target off without losing its history.
func (s *Store) DisableResource(ctx context.Context, kind, destination string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE provider_resource SET enabled = FALSE
		 WHERE name = $1 AND destination = $2
	`, kind, destination)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpsertBrokerSource attaches broker metadata to a target.
func (s *Store) UpsertBrokerSource(ctx context.Context, target scrape.ScopedTarget, metadata []byte) error {
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO amqp_source (provider_name, provider_destination, metadata)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (provider_name, provider_destination) DO UPDATE SET metadata = EXCLUDED.metadata
	`, string(target.Kind), target.Destination, string(metadata))
	return err
}

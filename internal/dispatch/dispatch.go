package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/PortNumber53/media-discovery-thing/internal/scrape"
	"golang.org/x/sync/errgroup"
)

// webhookConcurrencyLimit caps in-flight POSTs per scrape.
const webhookConcurrencyLimit = 8

// Webhook is a persisted subscriber endpoint plus the per-target metadata
// blob passed through to the payload.
type Webhook struct {
	ID          int64
	Destination string
	Metadata    json.RawMessage
}

// WebhookInteraction records one delivery attempt. StatusCode is 0 when the
// POST never produced a response; such interactions are logged, not
// persisted.
type WebhookInteraction struct {
	Webhook      Webhook
	StatusCode   int
	Err          error
	ResponseTime time.Duration
}

// PayloadProvider identifies the source in outbound payloads.
type PayloadProvider struct {
	Type      scrape.Kind `json:"type"`
	ID        string      `json:"id"`
	Ephemeral bool        `json:"ephemeral"`
}

// Payload is the wire shape POSTed to webhooks and published to the broker.
type Payload struct {
	Provider PayloadProvider `json:"provider"`
	Posts    []scrape.Post   `json:"posts"`
	Metadata json.RawMessage `json:"metadata"`
}

// NewPayload flattens a scrape's successful pages into one payload, keeping
// scrape-loop order. Callers must build payloads before the scrape is
// persisted; persistence reverses the request list.
func NewPayload(p scrape.Provider, s *scrape.Scrape, metadata json.RawMessage) Payload {
	return Payload{
		Provider: PayloadProvider{
			Type:      s.Target.Kind,
			ID:        s.Target.Destination,
			Ephemeral: p.Ephemeral(),
		},
		Posts:    s.Posts(),
		Metadata: metadata,
	}
}

// Source is the slice of persistence the dispatcher reads subscribers from.
type Source interface {
	WebhooksForTarget(ctx context.Context, target scrape.ScopedTarget) ([]Webhook, error)
	BrokerMetadata(ctx context.Context, target scrape.ScopedTarget) (json.RawMessage, bool, error)
}

// Dispatcher fans completed scrapes out to webhook subscribers and, when a
// broker is configured, publishes one copy of the payload there.
type Dispatcher struct {
	Client *http.Client
	Source Source
	Broker *Publisher
}

func NewDispatcher(client *http.Client, source Source, broker *Publisher) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Dispatcher{Client: client, Source: source, Broker: broker}
}

// Dispatch delivers the scrape to every subscriber concurrently (at most 8
// in flight) and fires the broker publish. Returns one interaction per
// webhook; order is not significant.
func (d *Dispatcher) Dispatch(ctx context.Context, p scrape.Provider, s *scrape.Scrape) []WebhookInteraction {
	webhooks, err := d.Source.WebhooksForTarget(ctx, s.Target)
	if err != nil {
		log.Printf("[Dispatch] webhook lookup failed target=%s err=%v", s.Target, err)
		webhooks = nil
	}

	interactions := make([]WebhookInteraction, len(webhooks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(webhookConcurrencyLimit)
	for i, wh := range webhooks {
		i, wh := i, wh
		g.Go(func() error {
			interactions[i] = d.post(gctx, wh, NewPayload(p, s, wh.Metadata))
			return nil
		})
	}
	_ = g.Wait()

	d.publishBroker(ctx, p, s)
	return interactions
}

func (d *Dispatcher) post(ctx context.Context, wh Webhook, payload Payload) WebhookInteraction {
	out := WebhookInteraction{Webhook: wh}
	body, err := json.Marshal(payload)
	if err != nil {
		out.Err = err
		return out
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.Destination, bytes.NewReader(body))
	if err != nil {
		out.Err = err
		return out
	}
	req.Header = scrape.DefaultHeaders()
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	res, err := d.Client.Do(req)
	out.ResponseTime = time.Since(start)
	if err != nil {
		log.Printf("[Dispatch] webhook post failed url=%s err=%v", wh.Destination, err)
		out.Err = err
		return out
	}
	defer res.Body.Close()
	out.StatusCode = res.StatusCode
	return out
}

func (d *Dispatcher) publishBroker(ctx context.Context, p scrape.Provider, s *scrape.Scrape) {
	if d.Broker == nil {
		return
	}
	metadata, ok, err := d.Source.BrokerMetadata(ctx, s.Target)
	if err != nil {
		log.Printf("[Dispatch] broker metadata lookup failed target=%s err=%v", s.Target, err)
		return
	}
	if !ok {
		return
	}
	if err := d.Broker.Publish(ctx, NewPayload(p, s, metadata)); err != nil {
		log.Printf("[Dispatch] broker publish failed target=%s err=%v", s.Target, err)
	}
}

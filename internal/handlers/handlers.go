package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/PortNumber53/media-discovery-thing/internal/schedule"
	"github.com/PortNumber53/media-discovery-thing/internal/scrape"
	"github.com/PortNumber53/media-discovery-thing/internal/store"
)

// Handler owns the read/provisioning API. The scrape worker runs elsewhere;
// this surface only reads state and registers targets.
type Handler struct {
	store     *store.Store
	providers map[scrape.Kind]scrape.Provider
}

func New(s *store.Store, providers map[scrape.Kind]scrape.Provider) *Handler {
	return &Handler{store: s, providers: providers}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type scheduledEntry struct {
	Provider    string     `json:"provider"`
	Destination string     `json:"destination"`
	Priority    float64    `json:"priority"`
	FireAtMs    int64      `json:"fire_at_ms"`
	LastScrape  *time.Time `json:"last_scrape"`
}

// Scheduled returns what the next day plan would look like right now. The
// worker plans independently; this is a preview, not the live plan.
func (h *Handler) Scheduled(w http.ResponseWriter, r *http.Request) {
	resources, err := h.store.PendingResources(r.Context())
	if err != nil {
		log.Printf("[API] pending resources failed err=%v", err)
		writeError(w, http.StatusInternalServerError, "could not list scheduled scrapes")
		return
	}
	plan := schedule.Plan(resources, 0, 24*time.Hour)
	out := make([]scheduledEntry, 0, len(plan))
	for _, p := range plan {
		out = append(out, scheduledEntry{
			Provider:    string(p.Target.Kind),
			Destination: p.Target.Destination,
			Priority:    p.Priority,
			FireAtMs:    p.FireAt.Milliseconds(),
			LastScrape:  p.LastScrape,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// History returns the latest 50 scrape requests and their media.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.LatestRequests(r.Context())
	if err != nil {
		log.Printf("[API] history failed err=%v", err)
		writeError(w, http.StatusInternalServerError, "could not load history")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type providerAddRequest struct {
	URL         string          `json:"url"`
	Name        string          `json:"name"`
	Official    bool            `json:"official"`
	Metadata    json.RawMessage `json:"metadata"`
	AddToBroker bool            `json:"add_to_broker"`
}

type providerAddResponse struct {
	Destination string `json:"destination"`
}

// AddProvider resolves a human URL into a destination through the matching
// adapter and registers the target. Re-adding an existing target just
// re-enables it.
func (h *Handler) AddProvider(w http.ResponseWriter, r *http.Request) {
	var input providerAddRequest
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if input.URL == "" || input.Name == "" {
		writeError(w, http.StatusBadRequest, "url and name are required")
		return
	}

	var matched scrape.Provider
	for _, p := range h.providers {
		if p.MatchDomain(input.URL) {
			matched = p
			break
		}
	}
	if matched == nil {
		log.Printf("[API] no provider matches url=%s", input.URL)
		writeError(w, http.StatusBadRequest, "url does not belong to a supported provider")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()
	destination, err := matched.Introspect(ctx, input.URL)
	if err != nil {
		if errors.Is(err, scrape.ErrURL) {
			writeError(w, http.StatusBadRequest, "url could not be resolved into a destination")
			return
		}
		log.Printf("[API] introspect failed url=%s provider=%s err=%v", input.URL, matched.Kind(), err)
		writeError(w, http.StatusInternalServerError, "provider introspection failed")
		return
	}

	target := scrape.ScopedTarget{
		Kind:        matched.Kind(),
		Destination: destination,
		Official:    input.Official,
	}
	if err := h.store.UpsertResource(ctx, target, input.URL, input.Name); err != nil {
		log.Printf("[API] resource upsert failed target=%s err=%v", target, err)
		writeError(w, http.StatusInternalServerError, "could not save provider resource")
		return
	}
	if input.AddToBroker {
		if err := h.store.UpsertBrokerSource(ctx, target, input.Metadata); err != nil {
			log.Printf("[API] broker source upsert failed target=%s err=%v", target, err)
			writeError(w, http.StatusInternalServerError, "could not save broker source")
			return
		}
	}
	log.Printf("[API] provider added target=%s url=%s", target, input.URL)
	writeJSON(w, http.StatusOK, providerAddResponse{Destination: destination})
}

type providerDeleteRequest struct {
	Name        string `json:"name"`
	Destination string `json:"destination"`
}

type providerDeleteResponse struct {
	Modified bool `json:"modified"`
}

// DeleteProvider disables a target. History and media stay around.
func (h *Handler) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	var input providerDeleteRequest
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	modified, err := h.store.DisableResource(r.Context(), input.Name, input.Destination)
	if err != nil {
		log.Printf("[API] provider disable failed name=%s destination=%s err=%v", input.Name, input.Destination, err)
		writeError(w, http.StatusInternalServerError, "could not disable provider resource")
		return
	}
	writeJSON(w, http.StatusOK, providerDeleteResponse{Modified: modified})
}

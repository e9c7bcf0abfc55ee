package handlers

import (
	"github.com/gorilla/mux"
)

// Routes builds the read/provisioning API router.
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", h.Health).Methods("GET")

	// Observability: what's planned and what happened
	r.HandleFunc("/v1/scheduled", h.Scheduled).Methods("GET")
	r.HandleFunc("/v1/history", h.History).Methods("GET")

	// Provisioning
	r.HandleFunc("/v1/provider", h.AddProvider).Methods("POST")
	r.HandleFunc("/v1/provider", h.DeleteProvider).Methods("DELETE")

	return r
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// StatsSource is anything that can report its counters as a snapshot.
// The action worker implements it with its processed/verdict tallies.
type StatsSource interface {
	Stats() map[string]interface{}
}

// MountStats registers a read-only counters endpoint on the router.
func MountStats(r chi.Router, source StatsSource) {
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, source.Stats())
	})
}

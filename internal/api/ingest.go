package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mailshield/threat-pipeline/internal/domain"
	"github.com/mailshield/threat-pipeline/internal/ingest"
	"github.com/mailshield/threat-pipeline/internal/pkg/logger"
)

// IngestResponse is the reply to an intake request.
type IngestResponse struct {
	JobID           string   `json:"job_id,omitempty"`
	StaticScore     int      `json:"static_score"`
	NeedsSandboxing bool     `json:"needs_sandboxing"`
	Reasons         []string `json:"reasons,omitempty"`
	Duplicate       bool     `json:"duplicate,omitempty"`
}

// MountIngest registers the email intake endpoint on the router.
func MountIngest(r chi.Router, producer *ingest.Producer) {
	r.Post("/ingest", handleIngest(producer))
}

func handleIngest(producer *ingest.Producer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var email domain.StructuredEmail
		if err := json.NewDecoder(r.Body).Decode(&email); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if email.MessageID == "" || email.Sender == "" || email.Recipient == "" {
			respondError(w, http.StatusBadRequest, "message_id, sender and recipient are required")
			return
		}

		event, gate, err := producer.Ingest(r.Context(), email)
		if err != nil {
			if errors.Is(err, ingest.ErrAlreadyIngested) {
				respondJSON(w, http.StatusOK, IngestResponse{Duplicate: true})
				return
			}
			logger.Error("ingest failed", "message_id", email.MessageID, "error", err)
			respondError(w, http.StatusInternalServerError, "ingest failed")
			return
		}

		respondJSON(w, http.StatusAccepted, IngestResponse{
			JobID:           event.ID.String(),
			StaticScore:     gate.Score,
			NeedsSandboxing: gate.NeedsSandboxing,
			Reasons:         gate.Reasons,
		})
	}
}

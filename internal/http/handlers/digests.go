package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/iago/creator-ingest/internal/domain"
)

type digestRequest struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	CreatorIDs  []string  `json:"creator_ids,omitempty"`
}

// EnqueueDigest submits a digest build for a period. Omitting the period
// means the last 24 hours.
func (api *API) EnqueueDigest(w http.ResponseWriter, r *http.Request) {
	var request digestRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if request.PeriodEnd.IsZero() {
		request.PeriodEnd = time.Now().UTC()
	}
	if request.PeriodStart.IsZero() {
		request.PeriodStart = request.PeriodEnd.Add(-24 * time.Hour)
	}

	result, err := api.collection.EnqueueDigest(r.Context(), request.PeriodStart, request.PeriodEnd, request.CreatorIDs)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidPayload) {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "period_end must be after period_start")
			return
		}
		api.logf("digest enqueue failed err=%v", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to enqueue digest")
		return
	}

	status := http.StatusAccepted
	if !result.Queued {
		status = http.StatusOK
	}
	dedupKey := domain.DigestPayload{PeriodStart: request.PeriodStart}.DedupKey()
	writeJSON(w, status, map[string]any{
		"job_id":     result.JobID,
		"queued":     result.Queued,
		"status_url": "/v1/queues/" + string(domain.QueueDigest) + "/jobs/" + dedupKey,
	})
}

package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/iago/creator-ingest/internal/repository"
	"github.com/iago/creator-ingest/internal/service"
)

func (api *API) CollectCreator(w http.ResponseWriter, r *http.Request) {
	creatorID := strings.TrimSpace(r.PathValue("id"))
	if creatorID == "" || len(creatorID) > 128 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "creator id is required")
		return
	}
	var request collectRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	result, err := api.collection.EnqueueCreator(r.Context(), creatorID, service.CollectOptions{
		SkipSlowPlatforms: request.SkipSlowPlatforms,
		Priority:          request.Priority,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "creator not found")
			return
		}
		api.logf("creator enqueue failed creator_id=%s err=%v", creatorID, err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to enqueue creator")
		return
	}

	status := http.StatusAccepted
	if !result.Queued {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"job_id":     result.JobID,
		"queued":     result.Queued,
		"status_url": "/v1/queues/creator-collection/jobs/creator:" + creatorID,
	})
}

func (api *API) CollectAllCreators(w http.ResponseWriter, r *http.Request) {
	var request collectRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	result, err := api.collection.EnqueueAllCreators(r.Context(), service.CollectOptions{
		SkipSlowPlatforms: request.SkipSlowPlatforms,
		Priority:          request.Priority,
	})
	if err != nil {
		api.logf("bulk creator enqueue failed err=%v", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to enqueue creators")
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

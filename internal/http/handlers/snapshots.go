package handlers

import (
	"errors"
	"net/http"

	"github.com/iago/creator-ingest/internal/repository"
)

func (api *API) SnapshotStatus(w http.ResponseWriter, r *http.Request) {
	snapshotID := r.PathValue("id")
	snapshot, err := api.snapshots.GetSnapshot(r.Context(), snapshotID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "snapshot not found")
			return
		}
		api.logf("snapshot lookup failed snapshot_id=%s err=%v", snapshotID, err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load snapshot")
		return
	}

	response := map[string]any{
		"snapshot_id":  snapshot.ID,
		"creator_id":   snapshot.CreatorID,
		"platform":     snapshot.Platform,
		"source_urls":  snapshot.SourceURLs,
		"status":       snapshot.Status,
		"attempts":     snapshot.Attempts,
		"result_count": snapshot.ResultCount,
		"created":      snapshot.Created,
		"updated":      snapshot.Updated,
		"skipped":      snapshot.Skipped,
		"errors":       snapshot.Errors,
		"created_at":   snapshot.CreatedAt,
		"updated_at":   snapshot.UpdatedAt,
	}
	if snapshot.CompletedAt != nil {
		response["completed_at"] = snapshot.CompletedAt
	}
	if snapshot.LastError != "" {
		response["error"] = snapshot.LastError
	}
	writeJSON(w, http.StatusOK, response)
}

package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iago/creator-ingest/internal/domain"
	"github.com/iago/creator-ingest/internal/queue"
)

func (api *API) QueueStats(w http.ResponseWriter, r *http.Request) {
	useCache := true
	if raw := strings.TrimSpace(r.URL.Query().Get("cache")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "cache must be a boolean")
			return
		}
		useCache = parsed
	}

	stats, err := api.queue.GetStats(r.Context(), useCache)
	if err != nil {
		api.logf("queue stats failed err=%v", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load queue stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": stats})
}

func (api *API) QueueCleanup(w http.ResponseWriter, r *http.Request) {
	var request cleanupRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if request.CompletedAgeSeconds < 0 || request.FailedAgeSeconds < 0 || request.Limit < 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "ages and limit must not be negative")
		return
	}

	policy := api.cleanupPolicy
	if request.CompletedAgeSeconds > 0 {
		policy.CompletedAge = time.Duration(request.CompletedAgeSeconds) * time.Second
	}
	if request.FailedAgeSeconds > 0 {
		policy.FailedAge = time.Duration(request.FailedAgeSeconds) * time.Second
	}
	if request.Limit > 0 {
		policy.Limit = request.Limit
	}

	report, err := api.queue.Cleanup(r.Context(), policy)
	if err != nil {
		api.logf("queue cleanup failed err=%v", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to clean queues")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (api *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	name := domain.QueueName(r.PathValue("queue"))
	dedupKey := strings.TrimSpace(r.PathValue("dedupKey"))
	if dedupKey == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "dedup key is required")
		return
	}

	job, err := api.queue.GetJob(r.Context(), name, dedupKey)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrUnknownQueue):
			writeError(w, r, http.StatusNotFound, "unknown_queue", "unknown queue")
		case errors.Is(err, queue.ErrJobNotFound):
			writeError(w, r, http.StatusNotFound, "not_found", "job not found")
		default:
			api.logf("job lookup failed queue=%s dedup_key=%s err=%v", name, dedupKey, err)
			writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load job")
		}
		return
	}

	response := map[string]any{
		"job_id":        job.ID,
		"queue":         job.Queue,
		"type":          job.Type,
		"dedup_key":     job.DedupKey,
		"state":         job.State,
		"priority":      job.Priority,
		"attempts":      job.Attempts,
		"max_attempts":  job.MaxAttempts,
		"stalled_count": job.StalledCount,
		"created_at":    job.CreatedAt,
		"ready_at":      job.ReadyAt,
	}
	if !job.FinishedAt.IsZero() {
		response["finished_at"] = job.FinishedAt
	}
	if len(job.Result) > 0 {
		response["result"] = jsonRawOrFallback(job.Result)
	}
	if strings.TrimSpace(job.FailedReason) != "" {
		response["error"] = map[string]any{
			"code":    "processing_error",
			"message": job.FailedReason,
		}
	}
	writeJSON(w, http.StatusOK, response)
}

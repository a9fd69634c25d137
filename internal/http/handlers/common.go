package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/iago/creator-ingest/internal/domain"
	"github.com/iago/creator-ingest/internal/events"
	"github.com/iago/creator-ingest/internal/http/middleware"
	"github.com/iago/creator-ingest/internal/queue"
	"github.com/iago/creator-ingest/internal/service"
)

var errInvalidPayload = errors.New("invalid payload")

type Queue interface {
	GetStats(ctx context.Context, useCache bool) (map[domain.QueueName]domain.QueueCounts, error)
	Cleanup(ctx context.Context, policy queue.CleanupPolicy) (queue.CleanupReport, error)
	GetJob(ctx context.Context, name domain.QueueName, dedupKey string) (*domain.Job, error)
}

type Collection interface {
	EnqueueCreator(ctx context.Context, creatorID string, opts service.CollectOptions) (queue.EnqueueResult, error)
	EnqueueAllCreators(ctx context.Context, opts service.CollectOptions) (queue.BulkResult, error)
	EnqueueDigest(ctx context.Context, periodStart, periodEnd time.Time, creatorIDs []string) (queue.EnqueueResult, error)
}

type Snapshots interface {
	GetSnapshot(ctx context.Context, snapshotID string) (*domain.Snapshot, error)
}

type Dependencies struct {
	Queue         Queue
	Collection    Collection
	Snapshots     Snapshots
	Events        *events.Broker
	CleanupPolicy queue.CleanupPolicy
	Heartbeat     time.Duration
	Logger        *log.Logger
}

type API struct {
	queue         Queue
	collection    Collection
	snapshots     Snapshots
	events        *events.Broker
	cleanupPolicy queue.CleanupPolicy
	heartbeat     time.Duration
	logger        *log.Logger
}

func NewAPI(deps Dependencies) *API {
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}
	return &API{
		queue:         deps.Queue,
		collection:    deps.Collection,
		snapshots:     deps.Snapshots,
		events:        deps.Events,
		cleanupPolicy: deps.CleanupPolicy,
		heartbeat:     deps.Heartbeat,
		logger:        deps.Logger,
	}
}

type collectRequest struct {
	SkipSlowPlatforms bool `json:"skip_slow_platforms"`
	Priority          int  `json:"priority,omitempty"`
}

type cleanupRequest struct {
	CompletedAgeSeconds int `json:"completed_age_seconds,omitempty"`
	FailedAgeSeconds    int `json:"failed_age_seconds,omitempty"`
	Limit               int `json:"limit,omitempty"`
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// decodeJSON accepts an empty body as the zero value.
func decodeJSON(r *http.Request, value any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

func (api *API) logf(format string, args ...any) {
	if api.logger != nil {
		api.logger.Printf(format, args...)
	}
}

func jsonRawOrFallback(value []byte) any {
	var decoded any
	if err := json.Unmarshal(value, &decoded); err == nil {
		return decoded
	}
	return string(value)
}

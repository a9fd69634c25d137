package httpserver

import (
	"log"
	"net/http"

	"github.com/iago/creator-ingest/internal/http/handlers"
	"github.com/iago/creator-ingest/internal/http/middleware"
)

const eventsPrefix = "/v1/events/"

type RouterDependencies struct {
	API         *handlers.API
	Logger      *log.Logger
	AuthToken   string
	RateLimiter *middleware.RateLimiter
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", deps.API.Health)
	mux.HandleFunc("GET /v1/queues/stats", deps.API.QueueStats)
	mux.HandleFunc("POST /v1/queues/cleanup", deps.API.QueueCleanup)
	mux.HandleFunc("GET /v1/queues/{queue}/jobs/{dedupKey}", deps.API.JobStatus)
	mux.HandleFunc("POST /v1/creators/collect", deps.API.CollectAllCreators)
	mux.HandleFunc("POST /v1/creators/{id}/collect", deps.API.CollectCreator)
	mux.HandleFunc("POST /v1/digests", deps.API.EnqueueDigest)
	mux.HandleFunc("GET /v1/snapshots/{id}", deps.API.SnapshotStatus)
	mux.HandleFunc("GET "+eventsPrefix+"content", deps.API.ContentEvents)

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken, eventsPrefix)(handler)
	if deps.RateLimiter != nil {
		handler = deps.RateLimiter.Middleware(handler)
	}
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}

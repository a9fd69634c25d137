package collector

import (
	"context"
	"sync"
	"time"

	"github.com/iago/creator-ingest/internal/domain"
)

type FetchOptions struct {
	// Since skips items published before it when non-zero.
	Since time.Time
	Limit int
}

// Fetcher is a synchronous platform collector: it fetches and normalizes a
// source in one call. Returned records carry the platform content id but no
// creator; the caller tags them.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string, opts FetchOptions) ([]domain.CandidateRecord, error)
}

type ProviderState string

const (
	ProviderRunning ProviderState = "running"
	ProviderReady   ProviderState = "ready"
	ProviderFailed  ProviderState = "failed"
)

type ProviderStatus struct {
	State       ProviderState
	ResultCount int
	Error       string
}

// AsyncProvider is a platform collector that works in two phases: Trigger
// starts a collection run and returns its snapshot id, the run is then polled
// with Status and its results fetched with Download once ready.
type AsyncProvider interface {
	Trigger(ctx context.Context, sourceURLs []string) (string, error)
	Status(ctx context.Context, snapshotID string) (ProviderStatus, error)
	Download(ctx context.Context, snapshotID string) ([]domain.CandidateRecord, error)
}

// Registry maps platforms to their collectors. A platform may have a fetcher,
// a provider, or nothing at all.
type Registry struct {
	mu        sync.RWMutex
	fetchers  map[domain.Platform]Fetcher
	providers map[domain.Platform]AsyncProvider
}

func NewRegistry() *Registry {
	return &Registry{
		fetchers:  make(map[domain.Platform]Fetcher),
		providers: make(map[domain.Platform]AsyncProvider),
	}
}

func (r *Registry) RegisterFetcher(platform domain.Platform, fetcher Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[platform] = fetcher
}

func (r *Registry) RegisterProvider(platform domain.Platform, provider AsyncProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[platform] = provider
}

func (r *Registry) Fetcher(platform domain.Platform) (Fetcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fetcher, ok := r.fetchers[platform]
	return fetcher, ok
}

func (r *Registry) Provider(platform domain.Platform) (AsyncProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[platform]
	return provider, ok
}

// Platforms lists every platform with a registered collector.
func (r *Registry) Platforms() []domain.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()

	platforms := make([]domain.Platform, 0, len(r.fetchers)+len(r.providers))
	for _, platform := range domain.KnownPlatforms {
		_, hasFetcher := r.fetchers[platform]
		_, hasProvider := r.providers[platform]
		if hasFetcher || hasProvider {
			platforms = append(platforms, platform)
		}
	}
	return platforms
}

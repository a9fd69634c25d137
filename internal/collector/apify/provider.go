package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iago/creator-ingest/internal/collector"
	"github.com/iago/creator-ingest/internal/domain"
)

const providerName = "apify"

// Default actors per platform.
var DefaultActors = map[domain.Platform]string{
	domain.PlatformTwitter:   "apidojo~tweet-scraper",
	domain.PlatformInstagram: "apify~instagram-scraper",
	domain.PlatformTikTok:    "clockworks~tiktok-scraper",
	domain.PlatformLinkedIn:  "harvestapi~linkedin-profile-posts",
}

type Config struct {
	APIToken   string
	BaseURL    string
	Platform   domain.Platform
	ActorID    string
	MaxItems   int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Provider runs an Apify actor for one platform. The snapshot id is the
// actor run id.
type Provider struct {
	apiToken string
	baseURL  string
	platform domain.Platform
	actorID  string
	maxItems int
	timeout  time.Duration
	client   *http.Client
}

func NewProvider(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, errors.New("apify api token not configured")
	}
	if strings.TrimSpace(cfg.ActorID) == "" {
		cfg.ActorID = DefaultActors[cfg.Platform]
	}
	if cfg.ActorID == "" {
		return nil, fmt.Errorf("no apify actor configured for platform %s", cfg.Platform)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.apify.com/v2"
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Provider{
		apiToken: strings.TrimSpace(cfg.APIToken),
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		platform: cfg.Platform,
		actorID:  cfg.ActorID,
		maxItems: cfg.MaxItems,
		timeout:  cfg.Timeout,
		client:   cfg.HTTPClient,
	}, nil
}

func (p *Provider) Trigger(ctx context.Context, sourceURLs []string) (string, error) {
	if len(sourceURLs) == 0 {
		return "", errors.New("apify trigger without source urls")
	}
	input, err := json.Marshal(p.buildInput(sourceURLs))
	if err != nil {
		return "", fmt.Errorf("encode apify input: %w", err)
	}

	var response struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	endpoint := fmt.Sprintf("%s/acts/%s/runs", p.baseURL, url.PathEscape(p.actorID))
	if err := p.call(ctx, http.MethodPost, endpoint, input, &response); err != nil {
		return "", err
	}
	if response.Data.ID == "" {
		return "", errors.New("apify run response without id")
	}
	return response.Data.ID, nil
}

func (p *Provider) Status(ctx context.Context, snapshotID string) (collector.ProviderStatus, error) {
	var response struct {
		Data struct {
			Status        string `json:"status"`
			StatusMessage string `json:"statusMessage"`
			Stats         struct {
				ResultCount int `json:"resultCount"`
			} `json:"stats"`
		} `json:"data"`
	}
	endpoint := fmt.Sprintf("%s/actor-runs/%s", p.baseURL, url.PathEscape(snapshotID))
	if err := p.call(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return collector.ProviderStatus{}, err
	}

	switch response.Data.Status {
	case "SUCCEEDED":
		return collector.ProviderStatus{State: collector.ProviderReady, ResultCount: response.Data.Stats.ResultCount}, nil
	case "FAILED", "ABORTED", "ABORTING", "TIMED-OUT", "TIMING-OUT":
		message := "actor run " + strings.ToLower(response.Data.Status)
		if response.Data.StatusMessage != "" {
			message += ": " + response.Data.StatusMessage
		}
		return collector.ProviderStatus{State: collector.ProviderFailed, Error: message}, nil
	default:
		return collector.ProviderStatus{State: collector.ProviderRunning}, nil
	}
}

func (p *Provider) Download(ctx context.Context, snapshotID string) ([]domain.CandidateRecord, error) {
	endpoint := fmt.Sprintf("%s/actor-runs/%s/dataset/items?clean=true&format=json", p.baseURL, url.PathEscape(snapshotID))
	var items []map[string]any
	if err := p.call(ctx, http.MethodGet, endpoint, nil, &items); err != nil {
		return nil, err
	}

	records := make([]domain.CandidateRecord, 0, len(items))
	for _, item := range items {
		records = append(records, normalize(p.platform, item))
	}
	return records, nil
}

func (p *Provider) call(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var body *bytes.Reader
	if payload == nil {
		body = bytes.NewReader(nil)
	} else {
		body = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(timeoutCtx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create apify request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+p.apiToken)
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	raw, err := collector.Do(p.client, providerName, request)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode apify response: %w", err)
	}
	return nil
}

func (p *Provider) buildInput(sourceURLs []string) map[string]any {
	switch p.platform {
	case domain.PlatformTwitter:
		return map[string]any{"startUrls": sourceURLs, "maxItems": p.maxItems}
	case domain.PlatformInstagram:
		return map[string]any{"directUrls": sourceURLs, "resultsType": "posts", "resultsLimit": p.maxItems}
	case domain.PlatformTikTok:
		return map[string]any{"profiles": profileHandles(sourceURLs), "resultsPerPage": p.maxItems}
	case domain.PlatformLinkedIn:
		return map[string]any{"targetUrls": sourceURLs, "maxPosts": p.maxItems}
	default:
		startURLs := make([]map[string]string, 0, len(sourceURLs))
		for _, sourceURL := range sourceURLs {
			startURLs = append(startURLs, map[string]string{"url": sourceURL})
		}
		return map[string]any{"startUrls": startURLs, "maxItems": p.maxItems}
	}
}

// profileHandles extracts "name" from URLs like https://www.tiktok.com/@name.
func profileHandles(sourceURLs []string) []string {
	handles := make([]string, 0, len(sourceURLs))
	for _, sourceURL := range sourceURLs {
		parsed, err := url.Parse(sourceURL)
		if err != nil {
			continue
		}
		for _, segment := range strings.Split(parsed.Path, "/") {
			if strings.HasPrefix(segment, "@") && len(segment) > 1 {
				handles = append(handles, strings.TrimPrefix(segment, "@"))
				break
			}
		}
	}
	return handles
}

package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/iago/creator-ingest/internal/collector"
	"github.com/iago/creator-ingest/internal/domain"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/googleapi/transport"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

const providerName = "youtube"

var ErrChannelNotFound = errors.New("youtube channel not found")

type Config struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxResults int
	HTTPClient *http.Client
}

// Fetcher lists a channel's recent uploads through the YouTube Data API v3.
type Fetcher struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	maxResults int64
	httpClient *http.Client

	once    sync.Once
	service *yt.Service
	err     error
}

func NewFetcher(cfg Config) *Fetcher {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://youtube.googleapis.com/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxResults <= 0 || cfg.MaxResults > 50 {
		cfg.MaxResults = 25
	}
	return &Fetcher{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/") + "/",
		timeout:    cfg.Timeout,
		maxResults: int64(cfg.MaxResults),
		httpClient: cfg.HTTPClient,
	}
}

func (f *Fetcher) Available() bool {
	return f.apiKey != ""
}

// api builds the Data API client on first use. A caller supplied HTTP client
// carries the key itself, since the library ignores WithAPIKey next to it.
func (f *Fetcher) api() (*yt.Service, error) {
	f.once.Do(func() {
		options := []option.ClientOption{option.WithEndpoint(f.baseURL)}
		if f.httpClient != nil {
			base := f.httpClient.Transport
			if base == nil {
				base = http.DefaultTransport
			}
			client := *f.httpClient
			client.Transport = &transport.APIKey{Key: f.apiKey, Transport: base}
			options = append(options, option.WithHTTPClient(&client))
		} else {
			options = append(options, option.WithAPIKey(f.apiKey))
		}
		f.service, f.err = yt.NewService(context.Background(), options...)
		if f.err != nil {
			f.err = fmt.Errorf("create youtube client: %w", f.err)
		}
	})
	return f.service, f.err
}

func (f *Fetcher) Fetch(ctx context.Context, sourceURL string, opts collector.FetchOptions) ([]domain.CandidateRecord, error) {
	if !f.Available() {
		return nil, errors.New("youtube api key not configured")
	}
	service, err := f.api()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	lookup, err := channelLookup(sourceURL)
	if err != nil {
		return nil, err
	}
	uploads, err := uploadsPlaylist(ctx, service, lookup)
	if err != nil {
		return nil, err
	}

	limit := f.maxResults
	if opts.Limit > 0 && int64(opts.Limit) < limit {
		limit = int64(opts.Limit)
	}
	records, err := playlistItems(ctx, service, uploads, limit, opts.Since)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return records, nil
	}
	if err := attachStatistics(ctx, service, records); err != nil {
		return nil, err
	}
	return records, nil
}

// channelFilter is the channels.list filter that identifies one channel.
type channelFilter struct {
	ID       string
	Handle   string
	Username string
}

// channelLookup maps a channel URL to the filter that identifies it.
func channelLookup(sourceURL string) (channelFilter, error) {
	parsed, err := url.Parse(strings.TrimSpace(sourceURL))
	if err != nil {
		return channelFilter{}, fmt.Errorf("parse youtube url: %w", err)
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	switch {
	case len(segments) >= 2 && segments[0] == "channel":
		return channelFilter{ID: segments[1]}, nil
	case len(segments) >= 1 && strings.HasPrefix(segments[0], "@"):
		return channelFilter{Handle: segments[0]}, nil
	case len(segments) >= 2 && (segments[0] == "user" || segments[0] == "c"):
		return channelFilter{Username: segments[1]}, nil
	default:
		return channelFilter{}, fmt.Errorf("unsupported youtube channel url %q", sourceURL)
	}
}

func uploadsPlaylist(ctx context.Context, service *yt.Service, filter channelFilter) (string, error) {
	call := service.Channels.List([]string{"contentDetails"}).Context(ctx)
	switch {
	case filter.ID != "":
		call = call.Id(filter.ID)
	case filter.Handle != "":
		call = call.ForHandle(filter.Handle)
	default:
		call = call.ForUsername(filter.Username)
	}

	response, err := call.Do()
	if err != nil {
		return "", apiError("channels", err)
	}
	for _, channel := range response.Items {
		if channel.ContentDetails != nil && channel.ContentDetails.RelatedPlaylists != nil &&
			channel.ContentDetails.RelatedPlaylists.Uploads != "" {
			return channel.ContentDetails.RelatedPlaylists.Uploads, nil
		}
	}
	return "", ErrChannelNotFound
}

func playlistItems(
	ctx context.Context,
	service *yt.Service,
	playlistID string,
	limit int64,
	since time.Time,
) ([]domain.CandidateRecord, error) {
	response, err := service.PlaylistItems.List([]string{"snippet", "contentDetails"}).
		PlaylistId(playlistID).
		MaxResults(limit).
		Context(ctx).
		Do()
	if err != nil {
		return nil, apiError("playlistItems", err)
	}

	records := make([]domain.CandidateRecord, 0, len(response.Items))
	for _, item := range response.Items {
		if item.ContentDetails == nil || item.ContentDetails.VideoId == "" {
			continue
		}
		snippet := item.Snippet
		if snippet == nil {
			snippet = &yt.PlaylistItemSnippet{}
		}
		videoID := item.ContentDetails.VideoId
		publishedAt := parseTime(item.ContentDetails.VideoPublishedAt, snippet.PublishedAt)
		if !since.IsZero() && !publishedAt.IsZero() && publishedAt.Before(since) {
			continue
		}
		watchURL := "https://www.youtube.com/watch?v=" + videoID
		records = append(records, domain.CandidateRecord{
			Platform:          domain.PlatformYouTube,
			PlatformContentID: videoID,
			URL:               watchURL,
			Title:             strings.TrimSpace(snippet.Title),
			Body:              strings.TrimSpace(snippet.Description),
			PublishedAt:       publishedAt,
			Media: []domain.MediaRef{{
				Type:         "video",
				URL:          watchURL,
				ThumbnailURL: bestThumbnail(snippet.Thumbnails),
			}},
		})
	}
	return records, nil
}

func attachStatistics(ctx context.Context, service *yt.Service, records []domain.CandidateRecord) error {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.PlatformContentID)
	}
	response, err := service.Videos.List([]string{"statistics"}).Id(ids...).Context(ctx).Do()
	if err != nil {
		return apiError("videos", err)
	}

	byID := make(map[string]domain.Engagement, len(response.Items))
	for _, video := range response.Items {
		if video.Statistics == nil {
			continue
		}
		byID[video.Id] = domain.Engagement{
			Views:    int64(video.Statistics.ViewCount),
			Likes:    int64(video.Statistics.LikeCount),
			Comments: int64(video.Statistics.CommentCount),
		}
	}
	for index := range records {
		records[index].Engagement = byID[records[index].PlatformContentID]
	}
	return nil
}

// apiError keeps the status code of a Data API failure so quota and server
// errors stay retryable.
func apiError(resource string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		message := apiErr.Message
		for _, item := range apiErr.Errors {
			if item.Reason != "" {
				message = item.Reason + ": " + message
				break
			}
		}
		return fmt.Errorf("youtube %s: %w", resource, &collector.ProviderError{
			Provider:   providerName,
			StatusCode: apiErr.Code,
			Message:    message,
		})
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s timeout: %w", providerName, err)
	}
	return fmt.Errorf("youtube %s: %w", resource, err)
}

func bestThumbnail(thumbnails *yt.ThumbnailDetails) string {
	if thumbnails == nil {
		return ""
	}
	for _, candidate := range []*yt.Thumbnail{thumbnails.Maxres, thumbnails.High, thumbnails.Medium, thumbnails.Default} {
		if candidate != nil && candidate.Url != "" {
			return candidate.Url
		}
	}
	return ""
}

func parseTime(values ...string) time.Time {
	for _, value := range values {
		if parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(value)); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

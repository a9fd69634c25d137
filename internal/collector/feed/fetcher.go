package feed

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/iago/creator-ingest/internal/collector"
	"github.com/iago/creator-ingest/internal/domain"
	"github.com/mmcdole/gofeed"
)

const providerName = "feed"

type Config struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string
}

// Fetcher reads RSS, Atom and JSON feeds.
type Fetcher struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

func NewFetcher(cfg Config) *Fetcher {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "creator-ingest/1.0"
	}
	return &Fetcher{client: cfg.HTTPClient, timeout: cfg.Timeout, userAgent: cfg.UserAgent}
}

func (f *Fetcher) Fetch(ctx context.Context, sourceURL string, opts collector.FetchOptions) ([]domain.CandidateRecord, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create feed request: %w", err)
	}
	request.Header.Set("User-Agent", f.userAgent)
	request.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")

	body, err := collector.Do(f.client, providerName, request)
	if err != nil {
		return nil, err
	}
	return Parse(body, opts)
}

// Parse normalizes a raw RSS, Atom or JSON feed into candidate records.
func Parse(raw []byte, opts collector.FetchOptions) ([]domain.CandidateRecord, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}

	records := make([]domain.CandidateRecord, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		record := fromItem(item)
		if !opts.Since.IsZero() && !record.PublishedAt.IsZero() && record.PublishedAt.Before(opts.Since) {
			continue
		}
		records = append(records, record)
		if opts.Limit > 0 && len(records) == opts.Limit {
			break
		}
	}
	return records, nil
}

func fromItem(item *gofeed.Item) domain.CandidateRecord {
	html := item.Content
	if strings.TrimSpace(html) == "" {
		html = item.Description
	}
	text, images := normalizeHTML(html)

	record := domain.CandidateRecord{
		Platform:          domain.PlatformRSS,
		PlatformContentID: firstNonEmpty(item.GUID, item.Link),
		URL:               strings.TrimSpace(item.Link),
		Title:             strings.TrimSpace(item.Title),
		Body:              text,
		PublishedAt:       publishedAt(item),
	}
	for _, enclosure := range item.Enclosures {
		if enclosure == nil || strings.TrimSpace(enclosure.URL) == "" {
			continue
		}
		record.Media = append(record.Media, domain.MediaRef{Type: mediaType(enclosure.Type), URL: strings.TrimSpace(enclosure.URL)})
	}
	if item.Image != nil && item.Image.URL != "" {
		images = append([]string{item.Image.URL}, images...)
	}
	record.Media = appendImages(record.Media, images)
	return record
}

func publishedAt(item *gofeed.Item) time.Time {
	switch {
	case item.PublishedParsed != nil:
		return item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		return item.UpdatedParsed.UTC()
	default:
		return time.Time{}
	}
}

// normalizeHTML flattens an HTML fragment to plain text and collects the
// image sources it references.
func normalizeHTML(fragment string) (string, []string) {
	if strings.TrimSpace(fragment) == "" {
		return "", nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " "), nil
	}

	images := make([]string, 0)
	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		if src, ok := img.Attr("src"); ok && strings.TrimSpace(src) != "" {
			images = append(images, strings.TrimSpace(src))
		}
	})
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " "), images
}

func appendImages(media []domain.MediaRef, images []string) []domain.MediaRef {
	for _, src := range images {
		duplicate := false
		for _, existing := range media {
			if existing.URL == src {
				duplicate = true
				break
			}
		}
		if !duplicate {
			media = append(media, domain.MediaRef{Type: "image", URL: src})
		}
	}
	return media
}

func mediaType(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	default:
		return "file"
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

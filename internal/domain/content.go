package domain

import (
	"time"
)

type Platform string

const (
	PlatformRSS       Platform = "rss"
	PlatformYouTube   Platform = "youtube"
	PlatformTwitter   Platform = "twitter"
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformLinkedIn  Platform = "linkedin"
)

// KnownPlatforms lists every platform kind a source may be tagged with.
var KnownPlatforms = []Platform{
	PlatformRSS,
	PlatformYouTube,
	PlatformTwitter,
	PlatformInstagram,
	PlatformTikTok,
	PlatformLinkedIn,
}

func (p Platform) Known() bool {
	for _, known := range KnownPlatforms {
		if p == known {
			return true
		}
	}
	return false
}

type MediaRef struct {
	Type         string `json:"type"`
	URL          string `json:"url" validate:"required"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

type Engagement struct {
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Shares   int64 `json:"shares"`
	Views    int64 `json:"views"`
}

// ReferencedContent is the quote or reply target of a post.
type ReferencedContent struct {
	Kind              string `json:"kind"`
	PlatformContentID string `json:"platformContentId"`
	URL               string `json:"url,omitempty"`
	Author            string `json:"author,omitempty"`
	Text              string `json:"text,omitempty"`
}

// CandidateRecord is a normalized record produced by a platform collector and
// not yet reconciled with storage.
type CandidateRecord struct {
	CreatorID         string             `json:"creatorId" validate:"required"`
	Platform          Platform           `json:"platform" validate:"required"`
	PlatformContentID string             `json:"platformContentId" validate:"required"`
	URL               string             `json:"url,omitempty"`
	Title             string             `json:"title,omitempty"`
	Body              string             `json:"body,omitempty"`
	PublishedAt       time.Time          `json:"publishedAt"`
	Media             []MediaRef         `json:"media,omitempty" validate:"dive"`
	Engagement        Engagement         `json:"engagement"`
	Referenced        *ReferencedContent `json:"referenced,omitempty"`
}

// Key returns the natural identity of the record.
func (r CandidateRecord) Key() ContentKey {
	return ContentKey{
		CreatorID:         r.CreatorID,
		Platform:          r.Platform,
		PlatformContentID: r.PlatformContentID,
	}
}

// ValidateRecord checks the required key fields of a candidate record.
func ValidateRecord(record CandidateRecord) error {
	if err := validate.Struct(record); err != nil {
		return err
	}
	if !record.Platform.Known() {
		return &UnknownPlatformError{Platform: record.Platform}
	}
	return nil
}

type UnknownPlatformError struct {
	Platform Platform
}

func (e *UnknownPlatformError) Error() string {
	return "unknown platform " + string(e.Platform)
}

type ContentKey struct {
	CreatorID         string
	Platform          Platform
	PlatformContentID string
}

func (k ContentKey) String() string {
	return k.CreatorID + "/" + string(k.Platform) + "/" + k.PlatformContentID
}

// ContentItem is the stored entity. It is only created or updated through the
// reconciliation store; Deleted is owned by external collaborators.
type ContentItem struct {
	ID                string
	CreatorID         string
	Platform          Platform
	PlatformContentID string
	URL               string
	Title             string
	Body              string
	PublishedAt       time.Time
	Media             []MediaRef
	Engagement        Engagement
	Referenced        *ReferencedContent
	Deleted           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (c *ContentItem) Key() ContentKey {
	return ContentKey{
		CreatorID:         c.CreatorID,
		Platform:          c.Platform,
		PlatformContentID: c.PlatformContentID,
	}
}

func (c *ContentItem) Clone() *ContentItem {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Media = append([]MediaRef(nil), c.Media...)
	if c.Referenced != nil {
		referenced := *c.Referenced
		clone.Referenced = &referenced
	}
	return &clone
}

// RecordError pairs a rejected record with a human-readable reason.
type RecordError struct {
	Record CandidateRecord `json:"record"`
	Reason string          `json:"reason"`
}

// ReconciliationResult is returned synchronously by a batch upsert and is
// never persisted.
type ReconciliationResult struct {
	Created    int           `json:"created"`
	Updated    int           `json:"updated"`
	Skipped    int           `json:"skipped"`
	Errors     []RecordError `json:"errors,omitempty"`
	CreatedIDs []string      `json:"createdIds,omitempty"`
}

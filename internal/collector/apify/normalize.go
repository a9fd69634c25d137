package apify

import (
	"strconv"
	"strings"
	"time"

	"github.com/iago/creator-ingest/internal/domain"
)

// item wraps one dataset row. Actors for different platforms name the same
// concept differently, so every accessor takes a list of candidate keys.
type item map[string]any

func (i item) str(keys ...string) string {
	for _, key := range keys {
		switch value := i[key].(type) {
		case string:
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		case float64:
			return strconv.FormatFloat(value, 'f', -1, 64)
		}
	}
	return ""
}

func (i item) count(keys ...string) int64 {
	for _, key := range keys {
		switch value := i[key].(type) {
		case float64:
			return int64(value)
		case string:
			if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
				return parsed
			}
		}
	}
	return 0
}

func (i item) child(keys ...string) item {
	for _, key := range keys {
		if value, ok := i[key].(map[string]any); ok {
			return item(value)
		}
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RubyDate,
	"2006-01-02 15:04:05",
}

func (i item) timestamp(keys ...string) time.Time {
	for _, key := range keys {
		switch value := i[key].(type) {
		case string:
			for _, layout := range timeLayouts {
				if parsed, err := time.Parse(layout, strings.TrimSpace(value)); err == nil {
					return parsed.UTC()
				}
			}
		case float64:
			// Unix seconds, or milliseconds for large values.
			if value > 1e12 {
				return time.UnixMilli(int64(value)).UTC()
			}
			return time.Unix(int64(value), 0).UTC()
		}
	}
	return time.Time{}
}

func normalize(platform domain.Platform, raw map[string]any) domain.CandidateRecord {
	row := item(raw)
	record := domain.CandidateRecord{
		Platform:          platform,
		PlatformContentID: row.str("id", "postId", "tweetId", "shortCode", "urn", "shareUrn"),
		URL:               row.str("url", "postUrl", "twitterUrl", "webVideoUrl", "linkedinUrl"),
		Title:             row.str("title"),
		Body:              row.str("text", "fullText", "caption", "content", "description"),
		PublishedAt:       row.timestamp("createdAt", "timestamp", "createTimeISO", "postedAt", "createTime", "date"),
		Engagement: domain.Engagement{
			Likes:    row.count("likeCount", "likesCount", "diggCount", "favoriteCount", "numLikes"),
			Comments: row.count("replyCount", "commentsCount", "commentCount", "numComments"),
			Shares:   row.count("retweetCount", "shareCount", "sharesCount", "numShares", "repostCount"),
			Views:    row.count("viewCount", "playCount", "videoViewCount", "videoPlayCount", "views"),
		},
	}
	if posted := row.child("postedAt"); posted != nil && record.PublishedAt.IsZero() {
		record.PublishedAt = posted.timestamp("timestamp", "date")
	}
	if stats := row.child("stats", "engagement"); stats != nil {
		fillEngagement(&record.Engagement, stats)
	}

	record.Media = media(row)
	record.Referenced = referenced(row)
	return record
}

func fillEngagement(engagement *domain.Engagement, stats item) {
	if engagement.Likes == 0 {
		engagement.Likes = stats.count("likes", "diggCount", "likeCount", "reactions")
	}
	if engagement.Comments == 0 {
		engagement.Comments = stats.count("comments", "commentCount")
	}
	if engagement.Shares == 0 {
		engagement.Shares = stats.count("shares", "shareCount", "reposts")
	}
	if engagement.Views == 0 {
		engagement.Views = stats.count("views", "playCount")
	}
}

func media(row item) []domain.MediaRef {
	refs := make([]domain.MediaRef, 0)
	seen := make(map[string]struct{})
	add := func(kind, url, thumbnail string) {
		if url == "" {
			return
		}
		if _, dup := seen[url]; dup {
			return
		}
		seen[url] = struct{}{}
		refs = append(refs, domain.MediaRef{Type: kind, URL: url, ThumbnailURL: thumbnail})
	}

	if video := row.str("videoUrl"); video != "" {
		add("video", video, row.str("displayUrl", "coverUrl", "thumbnailUrl"))
	}
	if videoMeta := row.child("videoMeta"); videoMeta != nil {
		add("video", videoMeta.str("downloadAddr", "playAddr"), videoMeta.str("coverUrl", "originalCoverUrl"))
	}
	add("image", row.str("displayUrl", "imageUrl"), "")
	for _, key := range []string{"images", "media", "extendedEntities"} {
		values, ok := row[key].([]any)
		if !ok {
			continue
		}
		for _, value := range values {
			switch typed := value.(type) {
			case string:
				add("image", typed, "")
			case map[string]any:
				entry := item(typed)
				kind := entry.str("type")
				if kind == "" || kind == "photo" {
					kind = "image"
				}
				add(kind, entry.str("url", "media_url_https", "src"), entry.str("thumbnailUrl", "thumbnail"))
			}
		}
	}
	if len(refs) == 0 {
		return nil
	}
	return refs
}

func referenced(row item) *domain.ReferencedContent {
	if quoted := row.child("quote", "quotedTweet", "quotedPost"); quoted != nil {
		return &domain.ReferencedContent{
			Kind:              "quote",
			PlatformContentID: quoted.str("id", "tweetId", "urn"),
			URL:               quoted.str("url", "twitterUrl"),
			Author:            author(quoted),
			Text:              quoted.str("text", "fullText"),
		}
	}
	if replyTo := row.str("inReplyToId", "inReplyToStatusId"); replyTo != "" {
		return &domain.ReferencedContent{
			Kind:              "reply",
			PlatformContentID: replyTo,
			Author:            row.str("inReplyToUsername"),
		}
	}
	return nil
}

func author(row item) string {
	if nested := row.child("author"); nested != nil {
		return nested.str("userName", "username", "name")
	}
	return row.str("ownerUsername", "authorName")
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/iago/creator-ingest/internal/domain"
	"github.com/jackc/pgx/v5"
)

// Key lookups are split so a large batch does not build one huge statement.
const findByKeysChunk = 200

var (
	psql           = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	contentColumns = []string{
		"id", "creator_id", "platform", "platform_content_id", "url", "title", "body",
		"published_at", "media", "engagement", "referenced", "deleted", "created_at", "updated_at",
	}
)

type PostgresContentRepository struct {
	db DB
}

func NewPostgresContentRepository(db DB) *PostgresContentRepository {
	return &PostgresContentRepository{db: db}
}

func (r *PostgresContentRepository) FindByKeys(
	ctx context.Context,
	keys []domain.ContentKey,
) (map[domain.ContentKey]*domain.ContentItem, error) {
	found := make(map[domain.ContentKey]*domain.ContentItem, len(keys))
	for start := 0; start < len(keys); start += findByKeysChunk {
		end := start + findByKeysChunk
		if end > len(keys) {
			end = len(keys)
		}

		match := make(sq.Or, 0, end-start)
		for _, key := range keys[start:end] {
			match = append(match, sq.Eq{
				"creator_id":          key.CreatorID,
				"platform":            string(key.Platform),
				"platform_content_id": key.PlatformContentID,
			})
		}
		query, args, err := psql.Select(contentColumns...).From("content_items").Where(match).ToSql()
		if err != nil {
			return nil, fmt.Errorf("build content lookup: %w", err)
		}

		if err := r.collect(ctx, query, args, found); err != nil {
			return nil, err
		}
	}
	return found, nil
}

func (r *PostgresContentRepository) collect(
	ctx context.Context,
	query string,
	args []any,
	found map[domain.ContentKey]*domain.ContentItem,
) error {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("find content by keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanContent(rows)
		if err != nil {
			return fmt.Errorf("scan content: %w", err)
		}
		found[item.Key()] = item
	}
	if rows.Err() != nil {
		return fmt.Errorf("iterate content: %w", rows.Err())
	}
	return nil
}

func (r *PostgresContentRepository) InsertContent(ctx context.Context, item *domain.ContentItem) error {
	media, engagement, referenced, err := encodeContentJSON(item)
	if err != nil {
		return err
	}
	query, args, err := psql.Insert("content_items").
		Columns(contentColumns...).
		Values(
			item.ID,
			item.CreatorID,
			string(item.Platform),
			item.PlatformContentID,
			item.URL,
			item.Title,
			item.Body,
			nullableTime(item.PublishedAt),
			media,
			engagement,
			referenced,
			item.Deleted,
			item.CreatedAt,
			item.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build content insert: %w", err)
	}

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("content %s: %w", item.Key(), ErrDuplicate)
		}
		return fmt.Errorf("insert content: %w", err)
	}
	return nil
}

// UpdateContent rewrites the mutable fields of a live item. Soft-deleted rows
// are left alone.
func (r *PostgresContentRepository) UpdateContent(ctx context.Context, item *domain.ContentItem) error {
	media, engagement, referenced, err := encodeContentJSON(item)
	if err != nil {
		return err
	}
	query, args, err := psql.Update("content_items").
		SetMap(map[string]any{
			"url":        item.URL,
			"title":      item.Title,
			"body":       item.Body,
			"media":      media,
			"engagement": engagement,
			"referenced": referenced,
			"updated_at": item.UpdatedAt,
		}).
		Where(sq.Eq{"id": item.ID, "deleted": false}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build content update: %w", err)
	}

	command, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresContentRepository) GetContent(ctx context.Context, contentID string) (*domain.ContentItem, error) {
	query, args, err := psql.Select(contentColumns...).From("content_items").Where(sq.Eq{"id": contentID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build content query: %w", err)
	}
	item, err := scanContent(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query content: %w", err)
	}
	return item, nil
}

func scanContent(row pgx.Row) (*domain.ContentItem, error) {
	var (
		item        domain.ContentItem
		platform    string
		publishedAt *time.Time
		media       []byte
		engagement  []byte
		referenced  []byte
	)
	err := row.Scan(
		&item.ID,
		&item.CreatorID,
		&platform,
		&item.PlatformContentID,
		&item.URL,
		&item.Title,
		&item.Body,
		&publishedAt,
		&media,
		&engagement,
		&referenced,
		&item.Deleted,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Platform = domain.Platform(platform)
	if publishedAt != nil {
		item.PublishedAt = publishedAt.UTC()
	}
	if len(media) > 0 {
		if err := json.Unmarshal(media, &item.Media); err != nil {
			return nil, fmt.Errorf("decode media: %w", err)
		}
	}
	if len(engagement) > 0 {
		if err := json.Unmarshal(engagement, &item.Engagement); err != nil {
			return nil, fmt.Errorf("decode engagement: %w", err)
		}
	}
	if len(referenced) > 0 && string(referenced) != "null" {
		item.Referenced = &domain.ReferencedContent{}
		if err := json.Unmarshal(referenced, item.Referenced); err != nil {
			return nil, fmt.Errorf("decode referenced content: %w", err)
		}
	}
	return &item, nil
}

func encodeContentJSON(item *domain.ContentItem) ([]byte, []byte, []byte, error) {
	mediaItems := item.Media
	if mediaItems == nil {
		mediaItems = []domain.MediaRef{}
	}
	media, err := json.Marshal(mediaItems)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode media: %w", err)
	}
	engagement, err := json.Marshal(item.Engagement)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode engagement: %w", err)
	}
	var referenced []byte
	if item.Referenced != nil {
		referenced, err = json.Marshal(item.Referenced)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode referenced content: %w", err)
		}
	}
	return media, engagement, referenced, nil
}

func nullableTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}

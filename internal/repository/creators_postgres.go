package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iago/creator-ingest/internal/domain"
	"github.com/jackc/pgx/v5"
)

type PostgresCreatorsRepository struct {
	db DB
}

func NewPostgresCreatorsRepository(db DB) *PostgresCreatorsRepository {
	return &PostgresCreatorsRepository{db: db}
}

func (r *PostgresCreatorsRepository) GetCreator(ctx context.Context, creatorID string) (*domain.Creator, error) {
	var (
		creator         domain.Creator
		lastProcessedAt *time.Time
		lastStats       []byte
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, name, active, last_processed_at, last_stats
		FROM creators
		WHERE id = $1
	`, creatorID).Scan(&creator.ID, &creator.Name, &creator.Active, &lastProcessedAt, &lastStats)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query creator: %w", err)
	}
	creator.LastProcessedAt = lastProcessedAt
	creator.LastStats = json.RawMessage(lastStats)

	sources, err := r.listSources(ctx, []string{creator.ID})
	if err != nil {
		return nil, err
	}
	creator.Sources = sources[creator.ID]
	return &creator, nil
}

func (r *PostgresCreatorsRepository) ListActiveCreators(ctx context.Context) ([]*domain.Creator, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, active, last_processed_at
		FROM creators
		WHERE active
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list creators: %w", err)
	}
	defer rows.Close()

	creators := make([]*domain.Creator, 0)
	ids := make([]string, 0)
	for rows.Next() {
		var creator domain.Creator
		if err := rows.Scan(&creator.ID, &creator.Name, &creator.Active, &creator.LastProcessedAt); err != nil {
			return nil, fmt.Errorf("scan creator: %w", err)
		}
		creators = append(creators, &creator)
		ids = append(ids, creator.ID)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate creators: %w", rows.Err())
	}
	if len(ids) == 0 {
		return creators, nil
	}

	sources, err := r.listSources(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, creator := range creators {
		creator.Sources = sources[creator.ID]
	}
	return creators, nil
}

func (r *PostgresCreatorsRepository) listSources(ctx context.Context, creatorIDs []string) (map[string][]domain.Source, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, creator_id, url, platform
		FROM creator_sources
		WHERE creator_id = ANY($1)
		ORDER BY creator_id, id
	`, creatorIDs)
	if err != nil {
		return nil, fmt.Errorf("list creator sources: %w", err)
	}
	defer rows.Close()

	sources := make(map[string][]domain.Source, len(creatorIDs))
	for rows.Next() {
		var (
			source    domain.Source
			creatorID string
			platform  string
		)
		if err := rows.Scan(&source.ID, &creatorID, &source.URL, &platform); err != nil {
			return nil, fmt.Errorf("scan creator source: %w", err)
		}
		source.Platform = domain.Platform(platform)
		sources[creatorID] = append(sources[creatorID], source)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate creator sources: %w", rows.Err())
	}
	return sources, nil
}

func (r *PostgresCreatorsRepository) UpdateLastProcessed(
	ctx context.Context,
	creatorID string,
	at time.Time,
	stats json.RawMessage,
) error {
	command, err := r.db.Exec(ctx, `
		UPDATE creators
		SET last_processed_at = $2,
			last_stats = $3
		WHERE id = $1
	`, creatorID, at, []byte(stats))
	if err != nil {
		return fmt.Errorf("update creator last processed: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

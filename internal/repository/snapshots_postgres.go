package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iago/creator-ingest/internal/domain"
	"github.com/jackc/pgx/v5"
)

type PostgresSnapshotsRepository struct {
	db DB
}

func NewPostgresSnapshotsRepository(db DB) *PostgresSnapshotsRepository {
	return &PostgresSnapshotsRepository{db: db}
}

const snapshotColumns = `id, creator_id, platform, source_urls, status, attempts, result_count,
	created_count, updated_count, skipped_count, error_count, last_error, created_at, updated_at, completed_at`

func (r *PostgresSnapshotsRepository) CreateSnapshot(ctx context.Context, snapshot *domain.Snapshot) error {
	sourceURLs, err := json.Marshal(snapshot.SourceURLs)
	if err != nil {
		return fmt.Errorf("encode snapshot source urls: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO snapshots (`+snapshotColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`,
		snapshot.ID,
		snapshot.CreatorID,
		string(snapshot.Platform),
		sourceURLs,
		string(snapshot.Status),
		snapshot.Attempts,
		snapshot.ResultCount,
		snapshot.Created,
		snapshot.Updated,
		snapshot.Skipped,
		snapshot.Errors,
		snapshot.LastError,
		snapshot.CreatedAt,
		snapshot.UpdatedAt,
		snapshot.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("snapshot %s: %w", snapshot.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (r *PostgresSnapshotsRepository) UpdateSnapshot(ctx context.Context, snapshot *domain.Snapshot) error {
	command, err := r.db.Exec(ctx, `
		UPDATE snapshots
		SET status = $2,
			attempts = $3,
			result_count = $4,
			created_count = $5,
			updated_count = $6,
			skipped_count = $7,
			error_count = $8,
			last_error = $9,
			updated_at = $10,
			completed_at = $11
		WHERE id = $1
	`,
		snapshot.ID,
		string(snapshot.Status),
		snapshot.Attempts,
		snapshot.ResultCount,
		snapshot.Created,
		snapshot.Updated,
		snapshot.Skipped,
		snapshot.Errors,
		snapshot.LastError,
		snapshot.UpdatedAt,
		snapshot.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresSnapshotsRepository) GetSnapshot(ctx context.Context, snapshotID string) (*domain.Snapshot, error) {
	row := r.db.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = $1`, snapshotID)
	snapshot, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return snapshot, nil
}

func (r *PostgresSnapshotsRepository) ListSnapshotsByStatus(
	ctx context.Context,
	status domain.SnapshotStatus,
) ([]*domain.Snapshot, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE status = $1
		ORDER BY created_at
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.Snapshot, 0)
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		items = append(items, snapshot)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", rows.Err())
	}
	return items, nil
}

func scanSnapshot(row pgx.Row) (*domain.Snapshot, error) {
	var (
		snapshot   domain.Snapshot
		platform   string
		status     string
		sourceURLs []byte
	)
	err := row.Scan(
		&snapshot.ID,
		&snapshot.CreatorID,
		&platform,
		&sourceURLs,
		&status,
		&snapshot.Attempts,
		&snapshot.ResultCount,
		&snapshot.Created,
		&snapshot.Updated,
		&snapshot.Skipped,
		&snapshot.Errors,
		&snapshot.LastError,
		&snapshot.CreatedAt,
		&snapshot.UpdatedAt,
		&snapshot.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	snapshot.Platform = domain.Platform(platform)
	snapshot.Status = domain.SnapshotStatus(status)
	if len(sourceURLs) > 0 {
		if err := json.Unmarshal(sourceURLs, &snapshot.SourceURLs); err != nil {
			return nil, fmt.Errorf("decode snapshot source urls: %w", err)
		}
	}
	return &snapshot, nil
}

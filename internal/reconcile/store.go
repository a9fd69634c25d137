package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/iago/creator-ingest/internal/domain"
	"github.com/iago/creator-ingest/internal/events"
	"github.com/iago/creator-ingest/internal/repository"
)

// Batcher is the narrow view of the store used by collectors and pollers.
type Batcher interface {
	StoreBatch(ctx context.Context, records []domain.CandidateRecord) (domain.ReconciliationResult, error)
}

type Config struct {
	Events events.Publisher
	Logger *log.Logger
	Now    func() time.Time
}

// Store is the idempotent upsert of candidate records into content storage,
// keyed by (creatorId, platform, platformContentId).
type Store struct {
	repo   repository.ContentRepository
	events events.Publisher
	logger *log.Logger
	now    func() time.Time
}

func NewStore(repo repository.ContentRepository, cfg Config) *Store {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		repo:   repo,
		events: cfg.Events,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
}

// StoreBatch classifies every record as created, updated or skipped. A record
// that fails validation or cannot be written is reported in Errors and the
// rest of the batch carries on. The only returned error is a failure to load
// existing rows, in which case nothing was written.
func (s *Store) StoreBatch(ctx context.Context, records []domain.CandidateRecord) (domain.ReconciliationResult, error) {
	result := domain.ReconciliationResult{}
	if len(records) == 0 {
		return result, nil
	}

	valid := make([]domain.CandidateRecord, 0, len(records))
	for _, record := range records {
		if err := domain.ValidateRecord(record); err != nil {
			result.Errors = append(result.Errors, domain.RecordError{Record: record, Reason: validationReason(err)})
			continue
		}
		valid = append(valid, record)
	}

	// The last occurrence of a key in the batch is the freshest one.
	last := make(map[domain.ContentKey]int, len(valid))
	for index, record := range valid {
		last[record.Key()] = index
	}
	keys := make([]domain.ContentKey, 0, len(last))
	for index, record := range valid {
		if last[record.Key()] == index {
			keys = append(keys, record.Key())
		}
	}

	existing, err := s.repo.FindByKeys(ctx, keys)
	if err != nil {
		return domain.ReconciliationResult{}, fmt.Errorf("load existing content: %w", err)
	}

	for index, record := range valid {
		if last[record.Key()] != index {
			result.Skipped++
			continue
		}
		s.reconcile(ctx, record, existing[record.Key()], &result)
	}

	s.logf(
		"content batch stored records=%d created=%d updated=%d skipped=%d errors=%d",
		len(records), result.Created, result.Updated, result.Skipped, len(result.Errors),
	)
	return result, nil
}

func (s *Store) reconcile(
	ctx context.Context,
	record domain.CandidateRecord,
	current *domain.ContentItem,
	result *domain.ReconciliationResult,
) {
	if current == nil {
		item := s.newItem(record)
		err := s.repo.InsertContent(ctx, item)
		switch {
		case err == nil:
			result.Created++
			result.CreatedIDs = append(result.CreatedIDs, item.ID)
			s.publish(events.ContentCreated, item)
			return
		case errors.Is(err, repository.ErrDuplicate):
			// Another writer inserted the key after our lookup.
			found, findErr := s.repo.FindByKeys(ctx, []domain.ContentKey{record.Key()})
			if findErr != nil {
				result.Errors = append(result.Errors, domain.RecordError{Record: record, Reason: "reload after conflict: " + findErr.Error()})
				return
			}
			current = found[record.Key()]
			if current == nil {
				result.Errors = append(result.Errors, domain.RecordError{Record: record, Reason: "content conflict could not be resolved"})
				return
			}
		default:
			result.Errors = append(result.Errors, domain.RecordError{Record: record, Reason: "insert content: " + err.Error()})
			return
		}
	}

	if current.Deleted {
		result.Skipped++
		return
	}
	merged, changed := merge(current, record)
	if !changed {
		result.Skipped++
		return
	}
	merged.UpdatedAt = s.now()
	if err := s.repo.UpdateContent(ctx, merged); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			result.Skipped++
			return
		}
		result.Errors = append(result.Errors, domain.RecordError{Record: record, Reason: "update content: " + err.Error()})
		return
	}
	result.Updated++
	s.publish(events.ContentUpdated, merged)
}

func (s *Store) newItem(record domain.CandidateRecord) *domain.ContentItem {
	now := s.now()
	item := &domain.ContentItem{
		ID:                uuid.NewString(),
		CreatorID:         record.CreatorID,
		Platform:          record.Platform,
		PlatformContentID: record.PlatformContentID,
		URL:               record.URL,
		Title:             record.Title,
		Body:              record.Body,
		PublishedAt:       record.PublishedAt.UTC(),
		Media:             append([]domain.MediaRef(nil), record.Media...),
		Engagement:        record.Engagement,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if record.Referenced != nil {
		referenced := *record.Referenced
		item.Referenced = &referenced
	}
	return item
}

// merge applies the tracked fields of record onto a copy of current. Empty
// text and media on the record never erase stored values, and a stored
// publish time is never moved.
func merge(current *domain.ContentItem, record domain.CandidateRecord) (*domain.ContentItem, bool) {
	merged := current.Clone()
	changed := false

	setText := func(target *string, value string) {
		if value != "" && *target != value {
			*target = value
			changed = true
		}
	}
	setText(&merged.URL, record.URL)
	setText(&merged.Title, record.Title)
	setText(&merged.Body, record.Body)

	if merged.PublishedAt.IsZero() && !record.PublishedAt.IsZero() {
		merged.PublishedAt = record.PublishedAt.UTC()
		changed = true
	}
	if len(record.Media) > 0 && !slices.Equal(merged.Media, record.Media) {
		merged.Media = append([]domain.MediaRef(nil), record.Media...)
		changed = true
	}
	if merged.Engagement != record.Engagement {
		merged.Engagement = record.Engagement
		changed = true
	}
	if record.Referenced != nil && (merged.Referenced == nil || *merged.Referenced != *record.Referenced) {
		referenced := *record.Referenced
		merged.Referenced = &referenced
		changed = true
	}
	return merged, changed
}

func (s *Store) publish(eventType events.ContentEventType, item *domain.ContentItem) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.ContentEvent{
		Type:      eventType,
		ContentID: item.ID,
		CreatorID: item.CreatorID,
		Platform:  item.Platform,
		At:        item.UpdatedAt,
	})
}

func validationReason(err error) string {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err.Error()
	}
	reasons := make([]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		if fieldError.Tag() == "required" {
			reasons = append(reasons, "missing required field "+fieldError.Namespace())
			continue
		}
		reasons = append(reasons, fmt.Sprintf("field %s failed %s", fieldError.Namespace(), fieldError.Tag()))
	}
	return strings.Join(reasons, "; ")
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

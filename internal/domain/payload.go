package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	ErrUnknownJobType = errors.New("unknown job type")
	ErrInvalidPayload = errors.New("invalid job payload")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Payload is the closed set of job payload variants. Every variant names its
// job type and a deterministic dedup key derived from its logical subject.
type Payload interface {
	JobType() JobType
	DedupKey() string
	isPayload()
}

type CreatorCollectionPayload struct {
	CreatorID         string `json:"creatorId" validate:"required,max=128"`
	CreatorName       string `json:"creatorName,omitempty"`
	SkipSlowPlatforms bool   `json:"skipSlowPlatforms,omitempty"`
}

func (CreatorCollectionPayload) JobType() JobType { return JobTypeCollectCreator }

func (p CreatorCollectionPayload) DedupKey() string { return "creator:" + p.CreatorID }

func (CreatorCollectionPayload) isPayload() {}

type SnapshotPollPayload struct {
	SnapshotID string `json:"snapshotId" validate:"required,max=256"`
	CreatorID  string `json:"creatorId" validate:"required,max=128"`
}

func (SnapshotPollPayload) JobType() JobType { return JobTypePollSnapshot }

func (p SnapshotPollPayload) DedupKey() string { return "snapshot:" + p.SnapshotID }

func (SnapshotPollPayload) isPayload() {}

// SummarizationPayload is consumed by the downstream summarization worker.
type SummarizationPayload struct {
	CreatorID  string   `json:"creatorId" validate:"required,max=128"`
	ContentIDs []string `json:"contentIds" validate:"required,min=1,dive,required"`
}

func (SummarizationPayload) JobType() JobType { return JobTypeSummarizeContent }

func (p SummarizationPayload) DedupKey() string {
	ids := append([]string(nil), p.ContentIDs...)
	sort.Strings(ids)
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.Join(ids, ",")))
	return fmt.Sprintf("summarize:%s:%016x", p.CreatorID, hasher.Sum64())
}

func (SummarizationPayload) isPayload() {}

type DigestPayload struct {
	CreatorIDs  []string  `json:"creatorIds,omitempty"`
	PeriodStart time.Time `json:"periodStart" validate:"required"`
	PeriodEnd   time.Time `json:"periodEnd" validate:"required,gtfield=PeriodStart"`
}

func (DigestPayload) JobType() JobType { return JobTypeBuildDigest }

func (p DigestPayload) DedupKey() string {
	return "digest:" + p.PeriodStart.UTC().Format(time.RFC3339)
}

func (DigestPayload) isPayload() {}

// ValidatePayload checks the struct constraints of a payload variant.
func ValidatePayload(payload Payload) error {
	if payload == nil {
		return fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if err := validate.Struct(payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, payload.JobType(), err)
	}
	return nil
}

// EncodePayload validates and serializes a payload for the queue backend.
func EncodePayload(payload Payload) (JobType, json.RawMessage, error) {
	if err := ValidatePayload(payload); err != nil {
		return "", nil, err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s payload: %w", payload.JobType(), err)
	}
	return payload.JobType(), encoded, nil
}

// DecodePayload turns a stored job payload back into its typed variant and
// validates it before any handler sees it.
func DecodePayload(jobType JobType, raw json.RawMessage) (Payload, error) {
	var payload Payload
	switch jobType {
	case JobTypeCollectCreator:
		var decoded CreatorCollectionPayload
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		payload = decoded
	case JobTypePollSnapshot:
		var decoded SnapshotPollPayload
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		payload = decoded
	case JobTypeSummarizeContent:
		var decoded SummarizationPayload
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		payload = decoded
	case JobTypeBuildDigest:
		var decoded DigestPayload
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		payload = decoded
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}

	if err := ValidatePayload(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

package domain

import (
	"encoding/json"
	"time"
)

type QueueName string

const (
	QueueCreatorCollection QueueName = "creator-collection"
	QueueSnapshotPoll      QueueName = "snapshot-poll"
	QueueSummarization     QueueName = "summarization"
	QueueDigest            QueueName = "digest"
)

// Queues lists every queue the ingestion pipeline owns, in a stable order.
var Queues = []QueueName{
	QueueCreatorCollection,
	QueueSnapshotPoll,
	QueueSummarization,
	QueueDigest,
}

type JobType string

const (
	JobTypeCollectCreator   JobType = "collect_creator"
	JobTypePollSnapshot     JobType = "poll_snapshot"
	JobTypeSummarizeContent JobType = "summarize_content"
	JobTypeBuildDigest      JobType = "build_digest"
)

// QueueFor returns the queue that carries jobs of the given type.
func QueueFor(jobType JobType) (QueueName, bool) {
	switch jobType {
	case JobTypeCollectCreator:
		return QueueCreatorCollection, true
	case JobTypePollSnapshot:
		return QueueSnapshotPoll, true
	case JobTypeSummarizeContent:
		return QueueSummarization, true
	case JobTypeBuildDigest:
		return QueueDigest, true
	default:
		return "", false
	}
}

type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateDelayed   JobState = "delayed"
)

// Terminal reports whether no further automatic transition happens from s.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Job is the canonical async unit held by the queue backend.
type Job struct {
	ID           string
	Queue        QueueName
	Type         JobType
	DedupKey     string
	Payload      json.RawMessage
	Priority     int
	Attempts     int
	MaxAttempts  int
	State        JobState
	LeaseToken   string
	LeaseExpiry  time.Time
	StalledCount int
	FailedReason string
	Result       json.RawMessage
	CreatedAt    time.Time
	ReadyAt      time.Time
	ProcessedAt  time.Time
	FinishedAt   time.Time
}

// Clone returns a deep copy so stores never share byte slices with callers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.Payload = append(json.RawMessage(nil), j.Payload...)
	clone.Result = append(json.RawMessage(nil), j.Result...)
	return &clone
}

// QueueCounts is the per-state job tally of one queue.
type QueueCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

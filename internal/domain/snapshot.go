package domain

import "time"

type SnapshotStatus string

const (
	SnapshotPending    SnapshotStatus = "pending"
	SnapshotProcessing SnapshotStatus = "processing"
	SnapshotProcessed  SnapshotStatus = "processed"
	SnapshotFailed     SnapshotStatus = "failed"
)

func (s SnapshotStatus) Terminal() bool {
	return s == SnapshotProcessed || s == SnapshotFailed
}

// CanTransition reports whether a snapshot may move from s to next.
// pending and processing may be revisited; processed and failed are final.
func (s SnapshotStatus) CanTransition(next SnapshotStatus) bool {
	switch s {
	case SnapshotPending:
		return next == SnapshotPending || next == SnapshotProcessing || next == SnapshotFailed
	case SnapshotProcessing:
		return next == SnapshotProcessing || next == SnapshotProcessed || next == SnapshotFailed
	default:
		return false
	}
}

// Snapshot tracks one asynchronous collection run at an external provider.
type Snapshot struct {
	ID          string
	CreatorID   string
	Platform    Platform
	SourceURLs  []string
	Status      SnapshotStatus
	Attempts    int
	ResultCount int
	Created     int
	Updated     int
	Skipped     int
	Errors      int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	clone := *s
	clone.SourceURLs = append([]string(nil), s.SourceURLs...)
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		clone.CompletedAt = &at
	}
	return &clone
}

package domain

import (
	"encoding/json"
	"time"
)

type Source struct {
	ID       string
	URL      string
	Platform Platform
}

// Creator is owned by an external collaborator; the pipeline only reads it
// and records when it was last processed.
type Creator struct {
	ID              string
	Name            string
	Active          bool
	Sources         []Source
	LastProcessedAt *time.Time
	LastStats       json.RawMessage
}

func (c *Creator) Clone() *Creator {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Sources = append([]Source(nil), c.Sources...)
	clone.LastStats = append(json.RawMessage(nil), c.LastStats...)
	if c.LastProcessedAt != nil {
		at := *c.LastProcessedAt
		clone.LastProcessedAt = &at
	}
	return &clone
}

// Package stats derives read-only queue health views from the store.
package stats

import (
	"context"
	"time"

	"github.com/kimhsiao/supportsync/internal/db"
	"github.com/kimhsiao/supportsync/internal/models"
)

// Stats is a point-in-time view of the queue.
type Stats struct {
	Total      int                     `json:"total"`
	ByStatus   map[models.Status]int   `json:"by_status"`
	ByType     map[models.ItemType]int `json:"by_type"`
	ByPriority map[models.Priority]int `json:"by_priority"`

	// OldestActiveAt is the creation time of the oldest pending or
	// retrying item; nil when nothing is waiting.
	OldestActiveAt  *time.Time    `json:"oldest_active_at,omitempty"`
	OldestActiveAge time.Duration `json:"oldest_active_age_ns"`

	TotalBytes int64 `json:"total_bytes"`
	LogBytes   int64 `json:"log_bytes"`

	// Corrupted counts items that failed integrity checks at least once.
	Corrupted int `json:"corrupted"`

	ComputedAt time.Time `json:"computed_at"`
}

// Active returns the number of items still awaiting delivery.
func (s *Stats) Active() int {
	return s.ByStatus[models.StatusPending] + s.ByStatus[models.StatusRetrying] + s.ByStatus[models.StatusProcessing]
}

// Aggregator computes Stats from a store.
type Aggregator struct {
	source db.StatsSource
}

// NewAggregator creates an Aggregator over source.
func NewAggregator(source db.StatsSource) *Aggregator {
	return &Aggregator{source: source}
}

// Compute reads the store and returns the current Stats. Every status,
// type and priority is present in the maps, zero when empty.
func (a *Aggregator) Compute(ctx context.Context, now time.Time) (Stats, error) {
	s := Stats{
		ByStatus:   make(map[models.Status]int, len(models.AllStatuses)),
		ByType:     make(map[models.ItemType]int, len(models.AllItemTypes)),
		ByPriority: make(map[models.Priority]int, len(models.AllPriorities)),
		ComputedAt: now,
	}
	for _, st := range models.AllStatuses {
		s.ByStatus[st] = 0
	}
	for _, t := range models.AllItemTypes {
		s.ByType[t] = 0
	}
	for _, p := range models.AllPriorities {
		s.ByPriority[p] = 0
	}

	rows, err := a.source.Summary(ctx)
	if err != nil {
		return Stats{}, err
	}
	for _, row := range rows {
		s.Total += row.Count
		s.ByStatus[row.Status] += row.Count
		s.ByType[row.Type] += row.Count
		s.ByPriority[row.Priority] += row.Count
		s.TotalBytes += row.Bytes
		if row.Type == models.ItemTypeLog {
			s.LogBytes += row.Bytes
		}
		s.Corrupted += row.Corrupted
	}

	oldest, err := a.source.OldestActive(ctx)
	if err != nil {
		return Stats{}, err
	}
	if oldest != nil {
		s.OldestActiveAt = oldest
		if age := now.Sub(*oldest); age > 0 {
			s.OldestActiveAge = age
		}
	}

	return s, nil
}

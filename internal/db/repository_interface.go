// Package db provides store interfaces for queue persistence.
package db

import (
	"context"
	"time"

	"github.com/kimhsiao/supportsync/internal/models"
)

// ItemStore defines the encrypted item operations used by the queue and
// the sync orchestrator. It allows substituting a fake in tests.
type ItemStore interface {
	// Put encrypts and stores a new item.
	Put(ctx context.Context, item *models.QueueItem) (string, error)

	// Get retrieves and decrypts one item.
	Get(ctx context.Context, id string) (*models.QueueItem, error)

	// ListByStatus returns items with status in delivery order.
	ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.QueueItem, error)

	// ListEligible returns deliverable items ready at now in delivery order.
	ListEligible(ctx context.Context, now time.Time, limit int) ([]*models.QueueItem, error)

	// UpdateStatus applies a checked status transition.
	UpdateStatus(ctx context.Context, id string, change StatusChange) error

	// Delete removes one item.
	Delete(ctx context.Context, id string) error

	// DeleteWhere removes all items matching the filter.
	DeleteWhere(ctx context.Context, f DeleteFilter) (int64, error)
}

// HistoryStore defines operations for sync pass history.
type HistoryStore interface {
	AppendSyncHistory(ctx context.Context, rec *models.SyncHistoryRecord) error
	ListSyncHistory(ctx context.Context, limit int) ([]models.SyncHistoryRecord, error)
}

// StatsSource defines the read-only aggregate queries behind queue stats.
type StatsSource interface {
	Summary(ctx context.Context) ([]SummaryRow, error)
	OldestActive(ctx context.Context) (*time.Time, error)
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ ItemStore    = (*Repository)(nil)
	_ HistoryStore = (*Repository)(nil)
	_ StatsSource  = (*Repository)(nil)
)

// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/supportsync/internal/models"
)

// Syncer defines the orchestrator operations used by the scheduler and the
// CLI. It allows substituting a fake in tests.
type Syncer interface {
	// AttemptSync runs one pass unless one is already in flight.
	AttemptSync(ctx context.Context) (SyncOutcome, error)

	// Recover returns items interrupted mid-delivery to the retry cycle.
	Recover(ctx context.Context) (int, error)

	// TestConnections probes every configured destination.
	TestConnections(ctx context.Context) map[models.Destination]bool

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the end of the last successful pass.
	LastSync() *time.Time
}

var _ Syncer = (*Orchestrator)(nil)

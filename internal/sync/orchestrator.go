// Package sync delivers queued items to their destinations.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/kimhsiao/supportsync/internal/db"
	apperrors "github.com/kimhsiao/supportsync/internal/errors"
	"github.com/kimhsiao/supportsync/internal/logging"
	"github.com/kimhsiao/supportsync/internal/models"
	"github.com/kimhsiao/supportsync/internal/sync/retry"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// DefaultAdapterTimeout bounds one adapter call when no timeout is set.
const DefaultAdapterTimeout = 30 * time.Second

// SyncOutcome summarizes one orchestration pass.
type SyncOutcome struct {
	StartedAt time.Time
	Duration  time.Duration
	Attempted int
	Synced    int
	Retrying  int
	Failed    int
	LastError string
	// Skipped is set when another pass was already running. The counters
	// then describe the previous pass.
	Skipped bool
}

// Observer receives delivery events, e.g. for metrics.
type Observer interface {
	ObserveAttempt(dest models.Destination, status models.Status, elapsed time.Duration)
	ObservePass(outcome SyncOutcome)
}

// Store is the persistence the orchestrator needs.
type Store interface {
	db.ItemStore
	db.HistoryStore
}

// Orchestrator runs sync passes. At most one pass is in flight per
// Orchestrator; items within a pass are delivered one at a time.
type Orchestrator struct {
	store    Store
	adapters *AdapterSet
	retry    *retry.Scheduler
	timeout  time.Duration
	observer Observer
	now      func() time.Time

	mu       gosync.Mutex
	inFlight bool
	status   SyncStatus
	last     SyncOutcome
	lastSync *time.Time
	lastErr  error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAdapterTimeout bounds each adapter call.
func WithAdapterTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithObserver registers an event observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(store Store, adapters *AdapterSet, sched *retry.Scheduler, opts ...Option) *Orchestrator {
	if adapters == nil {
		adapters = &AdapterSet{}
	}
	o := &Orchestrator{
		store:    store,
		adapters: adapters,
		retry:    sched,
		timeout:  DefaultAdapterTimeout,
		now:      time.Now,
		status:   SyncStatusIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Status returns the current sync status.
func (o *Orchestrator) Status() SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// LastSync returns the end time of the last pass that completed without a
// store error.
func (o *Orchestrator) LastSync() *time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSync
}

// LastOutcome returns the outcome of the most recent pass.
func (o *Orchestrator) LastOutcome() SyncOutcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// LastError returns the store error of the last pass, if any.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// AttemptSync runs one pass over every eligible ticket and feedback item.
// If a pass is already running it returns immediately with Skipped set.
// Delivery failures are recorded on the items and never returned; the
// error is only non-nil when the eligible items could not be read.
func (o *Orchestrator) AttemptSync(ctx context.Context) (SyncOutcome, error) {
	o.mu.Lock()
	if o.inFlight {
		skipped := o.last
		skipped.Skipped = true
		o.mu.Unlock()
		logging.Debug("Sync already in progress, skipping")
		return skipped, nil
	}
	o.inFlight = true
	o.status = SyncStatusSyncing
	o.mu.Unlock()

	outcome, err := o.run(ctx)

	o.mu.Lock()
	o.inFlight = false
	o.last = outcome
	o.lastErr = err
	if err != nil {
		o.status = SyncStatusFailed
	} else {
		o.status = SyncStatusIdle
		end := outcome.StartedAt.Add(outcome.Duration)
		o.lastSync = &end
	}
	o.mu.Unlock()

	if o.observer != nil {
		o.observer.ObservePass(outcome)
	}
	return outcome, err
}

func (o *Orchestrator) run(ctx context.Context) (SyncOutcome, error) {
	start := o.now()
	outcome := SyncOutcome{StartedAt: start}

	items, err := o.store.ListEligible(ctx, start, 0)
	if err != nil {
		outcome.Duration = o.now().Sub(start)
		outcome.LastError = err.Error()
		logging.Error("Failed to select items for sync", err)
		return outcome, err
	}

	for _, item := range items {
		if ctx.Err() != nil {
			logging.Warn("Sync pass cancelled", map[string]interface{}{"remaining": len(items) - outcome.Attempted})
			break
		}
		o.deliver(ctx, item, &outcome)
	}

	outcome.Duration = o.now().Sub(start)

	rec := &models.SyncHistoryRecord{
		StartedAt:    start,
		Duration:     outcome.Duration,
		Synced:       outcome.Synced,
		Failed:       outcome.Retrying + outcome.Failed,
		ErrorSummary: outcome.LastError,
	}
	if err := o.store.AppendSyncHistory(context.WithoutCancel(ctx), rec); err != nil {
		logging.Error("Failed to record sync history", err)
	}

	if outcome.Attempted > 0 {
		logging.Info("Sync pass finished", map[string]interface{}{
			"attempted":   outcome.Attempted,
			"synced":      outcome.Synced,
			"retrying":    outcome.Retrying,
			"failed":      outcome.Failed,
			"duration_ms": outcome.Duration.Milliseconds(),
		})
	}
	return outcome, nil
}

// deliver makes one attempt for item and records the result.
func (o *Orchestrator) deliver(ctx context.Context, item *models.QueueItem, outcome *SyncOutcome) {
	fields := map[string]interface{}{
		"item_id":     item.ID,
		"type":        item.Type,
		"destination": item.Destination,
		"retry_count": item.RetryCount,
	}

	if err := o.store.UpdateStatus(ctx, item.ID, db.StatusChange{Status: models.StatusProcessing}); err != nil {
		// Another writer moved it first; leave it alone.
		logging.Warn("Could not claim item for delivery", fields, map[string]interface{}{"error": err.Error()})
		return
	}
	item.Status = models.StatusProcessing
	outcome.Attempted++

	started := o.now()
	attemptCtx, cancel := context.WithTimeout(ctx, o.timeout)
	deliverErr := o.dispatch(attemptCtx, item)
	cancel()
	elapsed := o.now().Sub(started)

	var decision retry.Decision
	if deliverErr == nil {
		decision = o.retry.OnSuccess()
	} else {
		decision = o.retry.OnFailure(item, deliverErr, o.now())
	}

	change := db.StatusChange{Status: decision.Status, Error: decision.Error, NextRetryAt: decision.NextRetryAt}
	if err := o.store.UpdateStatus(context.WithoutCancel(ctx), item.ID, change); err != nil {
		logging.Error("Failed to record delivery result", err, fields)
		outcome.LastError = err.Error()
		return
	}

	switch decision.Status {
	case models.StatusCompleted:
		outcome.Synced++
		logging.Debug("Item delivered", fields)
	case models.StatusRetrying:
		outcome.Retrying++
		outcome.LastError = decision.Error
		logging.Warn("Delivery failed, will retry", fields, map[string]interface{}{
			"error":         decision.Error,
			"next_retry_at": decision.NextRetryAt,
		})
	case models.StatusFailed:
		outcome.Failed++
		outcome.LastError = decision.Error
		code := apperrors.ErrTerminal
		if decision.Exhausted {
			code = apperrors.ErrMaxRetriesExceeded
		}
		logging.ErrorWithCode("Delivery failed permanently", string(code), deliverErr, fields)
	}

	if o.observer != nil {
		o.observer.ObserveAttempt(item.Destination, decision.Status, elapsed)
	}
}

// dispatch hands item to the adapter of its destination.
func (o *Orchestrator) dispatch(ctx context.Context, item *models.QueueItem) error {
	adapter := o.adapters.For(item.Destination)
	if adapter == nil {
		return apperrors.Terminal(fmt.Errorf("no adapter configured for destination %q", item.Destination))
	}
	ctx = WithItemID(ctx, item.ID)

	switch item.Type {
	case models.ItemTypeTicket:
		if item.Ticket == nil {
			return apperrors.Terminal(fmt.Errorf("ticket %s has no payload", item.ID))
		}
		return adapter.SyncTicket(ctx, *item.Ticket)
	case models.ItemTypeFeedback:
		if item.Feedback == nil {
			return apperrors.Terminal(fmt.Errorf("feedback %s has no payload", item.ID))
		}
		return adapter.SyncFeedback(ctx, *item.Feedback)
	default:
		return apperrors.Terminal(fmt.Errorf("%s items are not deliverable", item.Type))
	}
}

// Recover moves items left in processing by an interrupted run back into
// the retry cycle, eligible immediately. Items whose retry budget is spent
// are failed instead. It returns the number of items recovered.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	stuck, err := o.store.ListByStatus(ctx, models.StatusProcessing, 0)
	if err != nil {
		return 0, err
	}

	interrupted := apperrors.Retryable(fmt.Errorf("delivery interrupted by shutdown"))
	recovered := 0
	for _, item := range stuck {
		decision := o.retry.OnFailure(item, interrupted, o.now())
		change := db.StatusChange{Status: decision.Status, Error: decision.Error}
		if err := o.store.UpdateStatus(ctx, item.ID, change); err != nil {
			logging.Error("Failed to recover item", err, map[string]interface{}{"item_id": item.ID})
			continue
		}
		recovered++
	}

	if recovered > 0 {
		logging.Info("Recovered interrupted deliveries", map[string]interface{}{"count": recovered})
	}
	return recovered, nil
}

// TestConnections probes every configured adapter.
func (o *Orchestrator) TestConnections(ctx context.Context) map[models.Destination]bool {
	results := make(map[models.Destination]bool)
	for _, dest := range o.adapters.Configured() {
		probeCtx, cancel := context.WithTimeout(ctx, o.timeout)
		ok := o.adapters.For(dest).TestConnection(probeCtx)
		cancel()

		results[dest] = ok
		if !ok {
			logging.Warn("Destination unreachable", map[string]interface{}{"destination": dest})
		}
	}
	return results
}

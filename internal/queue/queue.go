// Package queue is the producer-facing entry point of the delivery queue.
// It validates payloads, admits items through the capacity manager and
// runs age-based cleanup.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/kimhsiao/supportsync/internal/capacity"
	"github.com/kimhsiao/supportsync/internal/config"
	"github.com/kimhsiao/supportsync/internal/db"
	apperrors "github.com/kimhsiao/supportsync/internal/errors"
	"github.com/kimhsiao/supportsync/internal/logging"
	"github.com/kimhsiao/supportsync/internal/models"
)

// Store is the persistence the queue needs.
type Store interface {
	capacity.TxRunner
	db.ItemStore
}

// Queue accepts new items and keeps the store within its retention windows.
type Queue struct {
	store    Store
	capacity *capacity.Manager
	now      func() time.Time

	feedbackDest       models.Destination
	completedRetention time.Duration
	failedRetention    time.Duration
	logRetention       time.Duration
	purgeThreshold     int
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue over store using the limits and retention windows
// of cfg.
func New(store Store, cfg *config.QueueConfig, opts ...Option) *Queue {
	q := &Queue{
		store:              store,
		capacity:           capacity.NewManager(store, capacity.LimitsFromConfig(cfg)),
		now:                time.Now,
		feedbackDest:       cfg.FeedbackDestination,
		completedRetention: cfg.CompletedRetention(),
		failedRetention:    cfg.FailedRetention(),
		logRetention:       cfg.LogRetention(),
		purgeThreshold:     cfg.IntegrityPurgeThreshold,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueOption adjusts a single enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	priority models.Priority
}

// WithPriority sets the item priority. The default is normal.
func WithPriority(p models.Priority) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = p }
}

func resolve(opts []EnqueueOption) (enqueueOptions, error) {
	o := enqueueOptions{priority: models.PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.priority.Valid() {
		return o, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown priority %q", o.priority))
	}
	return o, nil
}

// EnqueueTicket stores a ticket for delivery to dest and returns its id.
func (q *Queue) EnqueueTicket(ctx context.Context, p models.TicketPayload, dest models.Destination, opts ...EnqueueOption) (string, error) {
	o, err := resolve(opts)
	if err != nil {
		return "", err
	}
	if err := p.Validate(); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid ticket", err)
	}
	if !dest.Valid() {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown destination %q", dest))
	}

	item, err := models.NewTicketItem(p, o.priority, dest, q.now())
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "encode ticket", err)
	}
	return q.admit(ctx, item)
}

// EnqueueFeedback stores feedback for delivery to the configured feedback
// destination and returns its id.
func (q *Queue) EnqueueFeedback(ctx context.Context, p models.FeedbackPayload, opts ...EnqueueOption) (string, error) {
	o, err := resolve(opts)
	if err != nil {
		return "", err
	}
	if err := p.Validate(); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid feedback", err)
	}

	item, err := models.NewFeedbackItem(p, o.priority, q.feedbackDest, q.now())
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "encode feedback", err)
	}
	return q.admit(ctx, item)
}

// EnqueueLog stores a diagnostic log, evicting the oldest logs when the
// log budget is exhausted.
func (q *Queue) EnqueueLog(ctx context.Context, p models.LogPayload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid log", err)
	}
	if p.CapturedAt.IsZero() {
		p.CapturedAt = q.now().UTC()
	}

	item, err := models.NewLogItem(p, q.now())
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "encode log", err)
	}
	return q.admit(ctx, item)
}

func (q *Queue) admit(ctx context.Context, item *models.QueueItem) (string, error) {
	adm, err := q.capacity.Enqueue(ctx, item)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrQueueFull) {
			logging.Warn("Item refused, queue full", map[string]interface{}{
				"type":       item.Type,
				"size_bytes": item.SizeBytes,
			})
		}
		return "", err
	}

	logging.Debug("Item enqueued", map[string]interface{}{
		"item_id":     adm.ID,
		"type":        item.Type,
		"priority":    item.Priority,
		"destination": item.Destination,
		"size_bytes":  item.SizeBytes,
	})
	return adm.ID, nil
}

// Get returns one stored item.
func (q *Queue) Get(ctx context.Context, id string) (*models.QueueItem, error) {
	return q.store.Get(ctx, id)
}

// List returns up to limit items with status in delivery order.
func (q *Queue) List(ctx context.Context, status models.Status, limit int) ([]*models.QueueItem, error) {
	if !status.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown status %q", status))
	}
	return q.store.ListByStatus(ctx, status, limit)
}

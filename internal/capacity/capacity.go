// Package capacity enforces the storage limits of the queue on write.
package capacity

import (
	"context"
	"fmt"

	"github.com/kimhsiao/supportsync/internal/config"
	"github.com/kimhsiao/supportsync/internal/db"
	apperrors "github.com/kimhsiao/supportsync/internal/errors"
	"github.com/kimhsiao/supportsync/internal/logging"
	"github.com/kimhsiao/supportsync/internal/models"
)

// Limits are the per-type storage caps.
type Limits struct {
	MaxTicketItems   int
	MaxFeedbackItems int
	MaxLogSizeBytes  int64
}

// LimitsFromConfig extracts Limits from the queue configuration.
func LimitsFromConfig(cfg *config.QueueConfig) Limits {
	return Limits{
		MaxTicketItems:   cfg.MaxTicketItems,
		MaxFeedbackItems: cfg.MaxFeedbackItems,
		MaxLogSizeBytes:  cfg.MaxLogSizeBytes,
	}
}

// Admission reports what admitting one item cost.
type Admission struct {
	ID         string
	Evicted    []string
	FreedBytes int64
}

// TxRunner runs a function inside a store transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *db.Tx) error) error
}

// Manager admits new items against Limits. Checking, evicting and
// inserting happen in one transaction, so the limits hold after every
// committed write.
type Manager struct {
	store  TxRunner
	limits Limits
}

// NewManager creates a new Manager.
func NewManager(store TxRunner, limits Limits) *Manager {
	return &Manager{store: store, limits: limits}
}

// Limits returns the configured caps.
func (m *Manager) Limits() Limits {
	return m.limits
}

// Enqueue admits and stores item. Tickets and feedback are refused with
// QUEUE_FULL at their cap. Logs evict the oldest logs until the new one
// fits; a log larger than the whole budget is refused without evicting.
func (m *Manager) Enqueue(ctx context.Context, item *models.QueueItem) (*Admission, error) {
	adm := &Admission{ID: item.ID}

	err := m.store.WithTx(ctx, func(tx *db.Tx) error {
		switch item.Type {
		case models.ItemTypeTicket:
			if err := m.checkCount(ctx, tx, item.Type, m.limits.MaxTicketItems); err != nil {
				return err
			}
		case models.ItemTypeFeedback:
			if err := m.checkCount(ctx, tx, item.Type, m.limits.MaxFeedbackItems); err != nil {
				return err
			}
		case models.ItemTypeLog:
			if err := m.makeRoom(ctx, tx, item.SizeBytes, adm); err != nil {
				return err
			}
		default:
			return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown item type %q", item.Type))
		}
		return tx.Insert(ctx, item)
	})
	if err != nil {
		return nil, err
	}

	if len(adm.Evicted) > 0 {
		logging.Info("Evicted oldest logs to admit new log", map[string]interface{}{
			"item_id":     item.ID,
			"evicted":     len(adm.Evicted),
			"freed_bytes": adm.FreedBytes,
		})
	}
	return adm, nil
}

func (m *Manager) checkCount(ctx context.Context, tx *db.Tx, t models.ItemType, max int) error {
	n, err := tx.CountByType(ctx, t)
	if err != nil {
		return err
	}
	if n >= max {
		return apperrors.New(apperrors.ErrQueueFull, fmt.Sprintf("%s queue is full (max items: %d)", t, max))
	}
	return nil
}

// makeRoom deletes the oldest logs, one at a time, until size fits in the
// log budget. Nothing is evicted when size alone exceeds the budget.
func (m *Manager) makeRoom(ctx context.Context, tx *db.Tx, size int64, adm *Admission) error {
	budget := m.limits.MaxLogSizeBytes
	if size > budget {
		return apperrors.New(apperrors.ErrQueueFull,
			fmt.Sprintf("log of %d bytes exceeds the log budget of %d bytes", size, budget))
	}

	used, err := tx.BytesByType(ctx, models.ItemTypeLog)
	if err != nil {
		return err
	}
	if used+size <= budget {
		return nil
	}

	oldest, err := tx.OldestByType(ctx, models.ItemTypeLog)
	if err != nil {
		return err
	}
	for _, victim := range oldest {
		if used+size <= budget {
			break
		}
		if err := tx.Delete(ctx, victim.ID); err != nil {
			return err
		}
		used -= victim.SizeBytes
		adm.Evicted = append(adm.Evicted, victim.ID)
		adm.FreedBytes += victim.SizeBytes
	}

	if used+size > budget {
		return apperrors.New(apperrors.ErrQueueFull, "log budget cannot be satisfied")
	}
	return nil
}

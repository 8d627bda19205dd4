package queue

import (
	"context"

	"github.com/kimhsiao/supportsync/internal/db"
	apperrors "github.com/kimhsiao/supportsync/internal/errors"
	"github.com/kimhsiao/supportsync/internal/logging"
	"github.com/kimhsiao/supportsync/internal/models"
)

// CleanupReport counts the items removed by one cleanup run.
type CleanupReport struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Logs      int64 `json:"logs"`
	Corrupted int64 `json:"corrupted"`
}

// Total returns the number of removed items.
func (r CleanupReport) Total() int64 {
	return r.Completed + r.Failed + r.Logs + r.Corrupted
}

// Cleanup removes completed and failed items past their retention, logs
// older than the log retention, and items that failed integrity checks
// often enough to be considered unrecoverable. A zero window disables
// its rule.
func (q *Queue) Cleanup(ctx context.Context) (CleanupReport, error) {
	now := q.now()
	var report CleanupReport

	steps := []struct {
		enabled bool
		filter  db.DeleteFilter
		count   *int64
	}{
		{
			enabled: q.completedRetention > 0,
			filter:  db.DeleteFilter{Statuses: []models.Status{models.StatusCompleted}, UpdatedBefore: now.Add(-q.completedRetention)},
			count:   &report.Completed,
		},
		{
			enabled: q.failedRetention > 0,
			filter:  db.DeleteFilter{Statuses: []models.Status{models.StatusFailed}, UpdatedBefore: now.Add(-q.failedRetention)},
			count:   &report.Failed,
		},
		{
			enabled: q.logRetention > 0,
			filter:  db.DeleteFilter{Types: []models.ItemType{models.ItemTypeLog}, CreatedBefore: now.Add(-q.logRetention)},
			count:   &report.Logs,
		},
		{
			enabled: q.purgeThreshold > 0,
			filter:  db.DeleteFilter{MinIntegrityFailures: q.purgeThreshold},
			count:   &report.Corrupted,
		},
	}

	for _, step := range steps {
		if !step.enabled {
			continue
		}
		n, err := q.store.DeleteWhere(ctx, step.filter)
		if err != nil {
			logging.Error("Cleanup failed", err, map[string]interface{}{"removed_so_far": report.Total()})
			return report, err
		}
		*step.count = n
	}

	if report.Corrupted > 0 {
		logging.ErrorWithCode("Purged items that repeatedly failed integrity verification",
			string(apperrors.ErrIntegrity), nil, map[string]interface{}{
				"purged":    report.Corrupted,
				"threshold": q.purgeThreshold,
			})
	}

	if report.Total() > 0 {
		logging.Info("Cleanup removed expired items", map[string]interface{}{
			"completed": report.Completed,
			"failed":    report.Failed,
			"logs":      report.Logs,
			"corrupted": report.Corrupted,
		})
	}
	return report, nil
}

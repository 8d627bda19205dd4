// Package scheduler runs the queue's background work: periodic sync passes
// and periodic cleanup.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/supportsync/internal/errors"
	"github.com/kimhsiao/supportsync/internal/logging"
	syncpkg "github.com/kimhsiao/supportsync/internal/sync"
)

// CleanupFunc removes expired items. It is called from the cleanup timer.
type CleanupFunc func(ctx context.Context) error

// Scheduler manages background sync and cleanup.
type Scheduler struct {
	syncer          syncpkg.Syncer
	cleanup         CleanupFunc
	syncInterval    time.Duration
	cleanupInterval time.Duration
	passTimeout     time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.RWMutex
	isRunning       bool
	isOnline        bool
	lastSyncTime    time.Time
	lastCleanupTime time.Time
	cleanupRunning  bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval    time.Duration // How often to attempt a sync pass (default: 30 seconds)
	CleanupInterval time.Duration // How often to remove expired items (default: 1 hour)
	PassTimeout     time.Duration // Upper bound for one sync pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:    30 * time.Second,
		CleanupInterval: time.Hour,
		PassTimeout:     5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. cleanup may be nil.
func NewScheduler(syncer syncpkg.Syncer, cleanup CleanupFunc, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	s := &Scheduler{
		syncer:          syncer,
		cleanup:         cleanup,
		syncInterval:    config.SyncInterval,
		cleanupInterval: config.CleanupInterval,
		passTimeout:     config.PassTimeout,
		stopCh:          make(chan struct{}),
		isOnline:        true, // Assume online initially
	}
	if s.syncInterval <= 0 {
		s.syncInterval = defaults.SyncInterval
	}
	if s.cleanupInterval <= 0 {
		s.cleanupInterval = defaults.CleanupInterval
	}
	if s.passTimeout <= 0 {
		s.passTimeout = defaults.PassTimeout
	}
	return s
}

// Start starts both timers. It is a no-op when already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx)
	go s.cleanupLoop(ctx)

	logging.Info("Background scheduler started", map[string]interface{}{
		"sync_interval":    s.syncInterval.String(),
		"cleanup_interval": s.cleanupInterval.String(),
	})
}

// Stop stops the timers and waits for running work to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background scheduler stopped")
}

// SetOnlineStatus pauses (false) or resumes (true) the sync timer. Items
// keep accumulating while offline; cleanup is unaffected.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOnline := s.isOnline
	s.isOnline = isOnline

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			// Inline, so Stop waits for an in-progress pass.
			s.runSync(ctx)
		}
	}
}

func (s *Scheduler) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

// runSync executes one pass and returns its outcome.
func (s *Scheduler) runSync(ctx context.Context) (syncpkg.SyncOutcome, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	outcome, err := s.syncer.AttemptSync(syncCtx)
	if err != nil {
		logging.ErrorWithCode("Sync pass failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"interval_seconds": s.syncInterval.Seconds()})
		return outcome, err
	}
	if !outcome.Skipped {
		s.mu.Lock()
		s.lastSyncTime = time.Now()
		s.mu.Unlock()
	}
	return outcome, nil
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	if s.cleanup == nil {
		return
	}

	s.mu.Lock()
	if s.cleanupRunning {
		s.mu.Unlock()
		return
	}
	s.cleanupRunning = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cleanupRunning = false
		s.mu.Unlock()
	}()

	if err := s.cleanup(ctx); err != nil {
		logging.ErrorWithCode("Cleanup failed", string(errors.CodeOf(err)), err)
		return
	}

	s.mu.Lock()
	s.lastCleanupTime = time.Now()
	s.mu.Unlock()
}

// TriggerSync runs a pass now, in the background.
// Returns false if the scheduler is offline.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if !s.IsOnline() {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSync(ctx)
	}()
	return true
}

// SyncNow runs a pass and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) (syncpkg.SyncOutcome, error) {
	return s.runSync(ctx)
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning       bool               `json:"is_running"`
	IsOnline        bool               `json:"is_online"`
	SyncStatus      syncpkg.SyncStatus `json:"sync_status"`
	LastSyncTime    *time.Time         `json:"last_sync_time,omitempty"`
	LastCleanupTime *time.Time         `json:"last_cleanup_time,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:  s.isRunning,
		IsOnline:   s.isOnline,
		SyncStatus: s.syncer.Status(),
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if !s.lastCleanupTime.IsZero() {
		t := s.lastCleanupTime
		status.LastCleanupTime = &t
	}
	return status
}

// IsOnline returns whether the sync timer is active.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

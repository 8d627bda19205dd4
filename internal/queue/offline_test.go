// End-to-end tests: items queued while a destination is unreachable are
// kept encrypted on disk and delivered once it comes back.
package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kimhsiao/supportsync/internal/config"
	"github.com/kimhsiao/supportsync/internal/crypto"
	"github.com/kimhsiao/supportsync/internal/db"
	"github.com/kimhsiao/supportsync/internal/models"
	syncpkg "github.com/kimhsiao/supportsync/internal/sync"
	"github.com/kimhsiao/supportsync/internal/sync/adapters"
	"github.com/kimhsiao/supportsync/internal/sync/retry"
)

const offlineSecret = "offline-test-secret-material"

func openStack(t *testing.T, dir string, now func() time.Time) (*db.DB, *db.Repository, *Queue) {
	t.Helper()
	database, err := db.OpenMigrated(dir)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	c, err := crypto.NewCipher([]byte(offlineSecret))
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}
	repo := db.NewRepository(database.DB, c, db.WithNowFunc(now))
	cfg := config.Default()
	return database, repo, New(repo, &cfg, WithClock(now))
}

// TestOffline_deliverAfterOutage queues a ticket while the destination
// answers 503, restarts the process, and delivers after the backoff.
func TestOffline_deliverAfterOutage(t *testing.T) {
	var up atomic.Bool
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	clock := baseTime
	now := func() time.Time { return clock }
	ctx := context.Background()

	set, _, err := adapters.Build(map[models.Destination]config.DestinationConfig{
		models.DestinationJira: {Transport: config.TransportWebhook, URL: srv.URL},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	sched := retry.New(5, time.Second, 0)

	// Phase 1: enqueue and fail once.
	database1, repo1, q1 := openStack(t, dir, now)
	id, err := q1.EnqueueTicket(ctx, validTicket("offline"), models.DestinationJira, WithPriority(models.PriorityHigh))
	if err != nil {
		t.Fatalf("EnqueueTicket() error = %v", err)
	}

	orch1 := syncpkg.NewOrchestrator(repo1, set, sched, syncpkg.WithClock(now))
	outcome, err := orch1.AttemptSync(ctx)
	if err != nil {
		t.Fatalf("AttemptSync() error = %v", err)
	}
	if outcome.Retrying != 1 || outcome.Synced != 0 {
		t.Fatalf("first pass = %+v, want one retrying", outcome)
	}
	database1.Close()

	// Phase 2: reopen, destination back, backoff elapsed.
	database2, repo2, q2 := openStack(t, dir, now)
	defer database2.Close()

	item, err := q2.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() after restart error = %v", err)
	}
	if item.Status != models.StatusRetrying || item.RetryCount != 1 {
		t.Fatalf("after restart status=%s retries=%d, want retrying/1", item.Status, item.RetryCount)
	}
	if item.Ticket.Title != "offline" {
		t.Errorf("payload title = %q after restart", item.Ticket.Title)
	}

	orch2 := syncpkg.NewOrchestrator(repo2, set, sched, syncpkg.WithClock(now))
	up.Store(true)

	outcome, err = orch2.AttemptSync(ctx)
	if err != nil {
		t.Fatalf("AttemptSync() error = %v", err)
	}
	if outcome.Attempted != 0 {
		t.Errorf("pass before backoff attempted %d items", outcome.Attempted)
	}

	clock = clock.Add(2 * time.Second)
	outcome, err = orch2.AttemptSync(ctx)
	if err != nil {
		t.Fatalf("AttemptSync() error = %v", err)
	}
	if outcome.Synced != 1 || delivered.Load() != 1 {
		t.Fatalf("second pass = %+v, delivered = %d", outcome, delivered.Load())
	}

	item, err = q2.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if item.Status != models.StatusCompleted {
		t.Errorf("status = %s, want completed", item.Status)
	}
}

// TestOffline_wrongKeyAfterRestart verifies a store reopened under another
// key refuses to hand out payloads.
func TestOffline_wrongKeyAfterRestart(t *testing.T) {
	dir := t.TempDir()
	now := func() time.Time { return baseTime }
	ctx := context.Background()

	database, _, q := openStack(t, dir, now)
	id, err := q.EnqueueTicket(ctx, validTicket("secret"), models.DestinationJira)
	if err != nil {
		t.Fatalf("EnqueueTicket() error = %v", err)
	}
	database.Close()

	database2, err := db.OpenMigrated(dir)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer database2.Close()
	other, err := crypto.NewCipher([]byte("a-completely-different-secret"))
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}

	if _, err := db.NewRepository(database2.DB, other).Get(ctx, id); err == nil {
		t.Error("Get() with the wrong key succeeded")
	}
}

// TestOffline_concurrentEnqueue verifies concurrent producers are
// serialized by the store without losing items.
func TestOffline_concurrentEnqueue(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()

	const producers = 10
	const perProducer = 5

	var wg sync.WaitGroup
	errs := make(chan error, producers*perProducer)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if _, err := h.q.EnqueueFeedback(ctx, models.FeedbackPayload{Rating: 1 + i%5}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("EnqueueFeedback() error = %v", err)
	}

	items, err := h.q.List(ctx, models.StatusPending, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(items) != producers*perProducer {
		t.Errorf("stored %d items, want %d", len(items), producers*perProducer)
	}
}

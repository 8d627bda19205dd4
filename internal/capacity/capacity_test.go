package capacity

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/supportsync/internal/crypto"
	"github.com/kimhsiao/supportsync/internal/db"
	apperrors "github.com/kimhsiao/supportsync/internal/errors"
	"github.com/kimhsiao/supportsync/internal/models"
)

var t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) *db.Repository {
	t.Helper()
	database, err := db.OpenMigrated(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	c, err := crypto.NewCipher([]byte("capacity-test-secret"))
	require.NoError(t, err)
	return db.NewRepository(database.DB, c)
}

func logItem(t *testing.T, contentLen int, at time.Time) *models.QueueItem {
	t.Helper()
	item, err := models.NewLogItem(models.LogPayload{
		Source:     "agent",
		Content:    strings.Repeat("x", contentLen),
		CapturedAt: t0,
	}, at)
	require.NoError(t, err)
	return item
}

func ticketItem(t *testing.T) *models.QueueItem {
	t.Helper()
	item, err := models.NewTicketItem(models.TicketPayload{Title: "t", Description: "d"},
		models.PriorityNormal, models.DestinationServiceNow, t0)
	require.NoError(t, err)
	return item
}

func logBytes(t *testing.T, repo *db.Repository) (int, int64) {
	t.Helper()
	var n int
	var b int64
	require.NoError(t, repo.WithTx(context.Background(), func(tx *db.Tx) error {
		var err error
		if n, err = tx.CountByType(context.Background(), models.ItemTypeLog); err != nil {
			return err
		}
		b, err = tx.BytesByType(context.Background(), models.ItemTypeLog)
		return err
	}))
	return n, b
}

// TestEnqueue_ticketCap verifies QUEUE_FULL at the count cap and that the
// refused item is not written.
func TestEnqueue_ticketCap(t *testing.T) {
	repo := newRepo(t)
	m := NewManager(repo, Limits{MaxTicketItems: 2, MaxFeedbackItems: 1, MaxLogSizeBytes: 1 << 20})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := m.Enqueue(ctx, ticketItem(t))
		require.NoError(t, err)
	}

	refused := ticketItem(t)
	_, err := m.Enqueue(ctx, refused)
	assert.True(t, apperrors.Is(err, apperrors.ErrQueueFull), "%v", err)

	_, err = repo.Get(ctx, refused.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrItemNotFound))

	fb, err := models.NewFeedbackItem(models.FeedbackPayload{Rating: 5}, models.PriorityNormal, models.DestinationZendesk, t0)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, fb)
	assert.NoError(t, err, "feedback cap is independent of tickets")
}

// TestEnqueue_logEvictionMinimal verifies only the oldest logs needed to fit
// the new one are evicted.
func TestEnqueue_logEvictionMinimal(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	size := logItem(t, 100, t0).SizeBytes
	budget := 3 * size
	m := NewManager(repo, Limits{MaxTicketItems: 10, MaxFeedbackItems: 10, MaxLogSizeBytes: budget})

	var stored []*models.QueueItem
	for i := 0; i < 3; i++ {
		item := logItem(t, 100, t0.Add(time.Duration(i)*time.Minute))
		adm, err := m.Enqueue(ctx, item)
		require.NoError(t, err)
		assert.Empty(t, adm.Evicted)
		stored = append(stored, item)
	}

	// Slightly larger than one stored log: two must go.
	big := logItem(t, 150, t0.Add(time.Hour))
	require.Greater(t, big.SizeBytes, size)
	require.LessOrEqual(t, big.SizeBytes, 2*size)

	adm, err := m.Enqueue(ctx, big)
	require.NoError(t, err)
	assert.Equal(t, []string{stored[0].ID, stored[1].ID}, adm.Evicted)
	assert.Equal(t, 2*size, adm.FreedBytes)

	n, used := logBytes(t, repo)
	assert.Equal(t, 2, n)
	assert.LessOrEqual(t, used, budget)

	_, err = repo.Get(ctx, stored[2].ID)
	assert.NoError(t, err, "newest old log survives")
}

// TestEnqueue_logExactFit verifies no eviction when the log fits exactly.
func TestEnqueue_logExactFit(t *testing.T) {
	repo := newRepo(t)
	size := logItem(t, 10, t0).SizeBytes
	m := NewManager(repo, Limits{MaxTicketItems: 1, MaxFeedbackItems: 1, MaxLogSizeBytes: 2 * size})
	ctx := context.Background()

	_, err := m.Enqueue(ctx, logItem(t, 10, t0))
	require.NoError(t, err)
	adm, err := m.Enqueue(ctx, logItem(t, 10, t0.Add(time.Second)))
	require.NoError(t, err)
	assert.Empty(t, adm.Evicted)

	adm, err = m.Enqueue(ctx, logItem(t, 10, t0.Add(2*time.Second)))
	require.NoError(t, err)
	assert.Len(t, adm.Evicted, 1)
}

// TestEnqueue_oversizeLog verifies a log bigger than the budget is refused
// without evicting anything.
func TestEnqueue_oversizeLog(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	size := logItem(t, 50, t0).SizeBytes
	m := NewManager(repo, Limits{MaxTicketItems: 1, MaxFeedbackItems: 1, MaxLogSizeBytes: 2 * size})

	_, err := m.Enqueue(ctx, logItem(t, 50, t0))
	require.NoError(t, err)

	_, err = m.Enqueue(ctx, logItem(t, 500, t0.Add(time.Second)))
	assert.True(t, apperrors.Is(err, apperrors.ErrQueueFull), "%v", err)

	n, used := logBytes(t, repo)
	assert.Equal(t, 1, n)
	assert.Equal(t, size, used)
}

// TestEnqueue_logsNeverEvictTickets verifies eviction is limited to logs.
func TestEnqueue_logsNeverEvictTickets(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	size := logItem(t, 20, t0).SizeBytes
	m := NewManager(repo, Limits{MaxTicketItems: 5, MaxFeedbackItems: 5, MaxLogSizeBytes: size})

	tk := ticketItem(t)
	_, err := m.Enqueue(ctx, tk)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := m.Enqueue(ctx, logItem(t, 20, t0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	_, err = repo.Get(ctx, tk.ID)
	assert.NoError(t, err)
	n, used := logBytes(t, repo)
	assert.Equal(t, 1, n)
	assert.Equal(t, size, used)
}

package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/supportsync/internal/crypto"
	apperrors "github.com/kimhsiao/supportsync/internal/errors"
	"github.com/kimhsiao/supportsync/internal/logging"
	"github.com/kimhsiao/supportsync/internal/models"
)

// Repository is the encrypted item store. Item metadata lives in plain
// columns so it can be queried; the payload is only ever stored sealed.
type Repository struct {
	db     *sql.DB
	cipher *crypto.Cipher
	now    func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithNowFunc overrides the clock used for updated_at stamps.
func WithNowFunc(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB, c *crypto.Cipher, opts ...Option) *Repository {
	r := &Repository{
		db:     db,
		cipher: c,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StatusChange describes a status update applied by UpdateStatus.
type StatusChange struct {
	Status      models.Status
	Error       string     // kept as last_error when non-empty
	NextRetryAt *time.Time // nil clears the retry time
}

// DeleteFilter selects items for DeleteWhere. Zero-valued fields are
// ignored, but at least one field must be set.
type DeleteFilter struct {
	Types                []models.ItemType
	Statuses             []models.Status
	UpdatedBefore        time.Time
	CreatedBefore        time.Time
	MinIntegrityFailures int
}

// SummaryRow is one group of the item summary used for stats.
type SummaryRow struct {
	Type      models.ItemType
	Status    models.Status
	Priority  models.Priority
	Count     int
	Bytes     int64
	Corrupted int
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx exposes store operations inside one transaction. It must not be used
// after the WithTx callback returns.
type Tx struct {
	q querier
	r *Repository
}

const itemColumns = `seq, id, type, status, priority, destination, ciphertext, nonce, auth_tag,
	retry_count, next_retry_at, last_error, created_at, updated_at, size_bytes, integrity_failures`

const itemOrder = ` ORDER BY priority DESC, created_at ASC, seq ASC`

func storageErr(op string, err error) error {
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrStorage, op, err)
}

func notFound(id string) error {
	return apperrors.New(apperrors.ErrItemNotFound, fmt.Sprintf("item %q not found", id))
}

func associatedData(id string, t models.ItemType) []byte {
	return []byte(id + "|" + string(t))
}

func nullableMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return models.Millis(*t)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*models.QueueRecord, error) {
	var rec models.QueueRecord
	var next sql.NullInt64
	err := row.Scan(
		&rec.Seq, &rec.ID, &rec.Type, &rec.Status, &rec.Priority, &rec.Destination,
		&rec.Ciphertext, &rec.Nonce, &rec.AuthTag, &rec.RetryCount, &next, &rec.LastError,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.SizeBytes, &rec.IntegrityFailures,
	)
	if err != nil {
		return nil, err
	}
	if next.Valid {
		v := next.Int64
		rec.NextRetryAt = &v
	}
	return &rec, nil
}

// decode verifies and decrypts a stored record.
func (r *Repository) decode(rec *models.QueueRecord) (*models.QueueItem, error) {
	item := rec.ToItem()
	sealed := &crypto.Sealed{Ciphertext: rec.Ciphertext, Nonce: rec.Nonce, Tag: rec.AuthTag}

	plaintext, err := r.cipher.Open(sealed, associatedData(rec.ID, item.Type))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrIntegrity, fmt.Sprintf("item %s failed verification", rec.ID), err)
	}
	if err := item.UnmarshalPayload(plaintext); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrIntegrity, fmt.Sprintf("item %s payload is unreadable", rec.ID), err)
	}
	return item, nil
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{q: sqlTx, r: r}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

func (r *Repository) direct() *Tx {
	return &Tx{q: r.db, r: r}
}

// =====================================================
// Repository operations
// =====================================================

// Put encrypts and writes a new item, returning its id.
func (r *Repository) Put(ctx context.Context, item *models.QueueItem) (string, error) {
	if err := r.direct().Insert(ctx, item); err != nil {
		return "", err
	}
	return item.ID, nil
}

// Get decrypts and returns one item. A missing item yields ITEM_NOT_FOUND; a
// record that fails verification yields INTEGRITY_ERROR.
func (r *Repository) Get(ctx context.Context, id string) (*models.QueueItem, error) {
	return r.direct().Get(ctx, id)
}

// ListByStatus returns items with status ordered by priority (highest
// first), then age, then insertion order. Items failing verification are
// logged and skipped. limit <= 0 means no limit.
func (r *Repository) ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.QueueItem, error) {
	return r.direct().list(ctx, "status = ?", []interface{}{string(status)}, limit)
}

// ListEligible returns deliverable pending/retrying items whose retry time
// has elapsed at now, in delivery order.
func (r *Repository) ListEligible(ctx context.Context, now time.Time, limit int) ([]*models.QueueItem, error) {
	where := `status IN (?, ?) AND type IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)`
	args := []interface{}{
		string(models.StatusPending), string(models.StatusRetrying),
		string(models.ItemTypeTicket), string(models.ItemTypeFeedback),
		models.Millis(now),
	}
	return r.direct().list(ctx, where, args, limit)
}

// UpdateStatus applies change to the item atomically. The transition must
// be allowed by models.CanTransition. Entering a failure status increments
// retry_count.
func (r *Repository) UpdateStatus(ctx context.Context, id string, change StatusChange) error {
	return r.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateStatus(ctx, id, change)
	})
}

// Delete removes one item.
func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.direct().Delete(ctx, id)
}

// DeleteWhere removes every item matching f and returns how many went.
func (r *Repository) DeleteWhere(ctx context.Context, f DeleteFilter) (int64, error) {
	where, args := f.where()
	if where == "" {
		return 0, apperrors.New(apperrors.ErrInvalid, "delete filter selects every item")
	}

	res, err := r.db.ExecContext(ctx, "DELETE FROM queue_items WHERE "+where, args...)
	if err != nil {
		return 0, storageErr("delete items", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("delete items", err)
	}
	return n, nil
}

func (f DeleteFilter) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if len(f.Types) > 0 {
		clauses = append(clauses, "type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if !f.UpdatedBefore.IsZero() {
		clauses = append(clauses, "updated_at < ?")
		args = append(args, models.Millis(f.UpdatedBefore))
	}
	if !f.CreatedBefore.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, models.Millis(f.CreatedBefore))
	}
	if f.MinIntegrityFailures > 0 {
		clauses = append(clauses, "integrity_failures >= ?")
		args = append(args, f.MinIntegrityFailures)
	}

	return strings.Join(clauses, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Summary groups stored items by type, status and priority.
func (r *Repository) Summary(ctx context.Context) ([]SummaryRow, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT type, status, priority, COUNT(*), COALESCE(SUM(size_bytes), 0),
		   COALESCE(SUM(CASE WHEN integrity_failures > 0 THEN 1 ELSE 0 END), 0)
	FROM queue_items
	GROUP BY type, status, priority`)
	if err != nil {
		return nil, storageErr("summarize items", err)
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var row SummaryRow
		var typ, status string
		var rank int
		if err := rows.Scan(&typ, &status, &rank, &row.Count, &row.Bytes, &row.Corrupted); err != nil {
			return nil, storageErr("scan summary", err)
		}
		row.Type = models.ItemType(typ)
		row.Status = models.Status(status)
		row.Priority = models.PriorityFromRank(rank)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("summarize items", err)
	}
	return out, nil
}

// OldestActive returns the creation time of the oldest pending or retrying
// item, or nil when there is none.
func (r *Repository) OldestActive(ctx context.Context) (*time.Time, error) {
	var oldest sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM queue_items WHERE status IN (?, ?)`,
		string(models.StatusPending), string(models.StatusRetrying),
	).Scan(&oldest)
	if err != nil {
		return nil, storageErr("oldest active item", err)
	}
	if !oldest.Valid {
		return nil, nil
	}
	t := models.FromMillis(oldest.Int64)
	return &t, nil
}

// =====================================================
// Sync history
// =====================================================

// AppendSyncHistory records one orchestration pass.
func (r *Repository) AppendSyncHistory(ctx context.Context, rec *models.SyncHistoryRecord) error {
	res, err := r.db.ExecContext(ctx, `
	INSERT INTO sync_history (started_at, duration_ms, synced, failed, error_summary)
	VALUES (?, ?, ?, ?, ?)`,
		models.Millis(rec.StartedAt), rec.Duration.Milliseconds(), rec.Synced, rec.Failed, rec.ErrorSummary)
	if err != nil {
		return storageErr("append sync history", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// ListSyncHistory returns the most recent passes, newest first.
func (r *Repository) ListSyncHistory(ctx context.Context, limit int) ([]models.SyncHistoryRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, started_at, duration_ms, synced, failed, error_summary
	FROM sync_history ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list sync history", err)
	}
	defer rows.Close()

	var out []models.SyncHistoryRecord
	for rows.Next() {
		var rec models.SyncHistoryRecord
		var started, durationMs int64
		if err := rows.Scan(&rec.ID, &started, &durationMs, &rec.Synced, &rec.Failed, &rec.ErrorSummary); err != nil {
			return nil, storageErr("scan sync history", err)
		}
		rec.StartedAt = models.FromMillis(started)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =====================================================
// Transaction-scoped operations
// =====================================================

// Insert validates, encrypts and writes item.
func (tx *Tx) Insert(ctx context.Context, item *models.QueueItem) error {
	if item == nil || !item.Type.Valid() {
		return apperrors.New(apperrors.ErrInvalid, "item has no valid type")
	}
	if !models.ValidID(item.ID) {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid item id %q", item.ID))
	}
	if !item.Status.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid status %q", item.Status))
	}

	plaintext, err := item.MarshalPayload()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "serialize payload", err)
	}
	if item.SizeBytes == 0 {
		item.SizeBytes = int64(len(plaintext))
	}

	sealed, err := tx.r.cipher.Seal(plaintext, associatedData(item.ID, item.Type))
	if err != nil {
		return storageErr("encrypt payload", err)
	}

	_, err = tx.q.ExecContext(ctx, `
	INSERT INTO queue_items (id, type, status, priority, destination, ciphertext, nonce, auth_tag,
		retry_count, next_retry_at, last_error, created_at, updated_at, size_bytes)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.Type), string(item.Status), item.Priority.Rank(), string(item.Destination),
		sealed.Ciphertext, sealed.Nonce, sealed.Tag,
		item.RetryCount, nullableMillis(item.NextRetryAt), item.LastError,
		models.Millis(item.CreatedAt), models.Millis(item.UpdatedAt), item.SizeBytes,
	)
	if err != nil {
		return storageErr("insert item", err)
	}
	return nil
}

// Get decrypts and returns one item.
func (tx *Tx) Get(ctx context.Context, id string) (*models.QueueItem, error) {
	if !models.ValidID(id) {
		return nil, notFound(id)
	}

	rec, err := scanRecord(tx.q.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM queue_items WHERE id = ?", id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storageErr("get item", err)
	}
	return tx.r.decode(rec)
}

func (tx *Tx) list(ctx context.Context, where string, args []interface{}, limit int) ([]*models.QueueItem, error) {
	rows, err := tx.q.QueryContext(ctx, "SELECT "+itemColumns+" FROM queue_items WHERE "+where+itemOrder, args...)
	if err != nil {
		return nil, storageErr("list items", err)
	}

	var items []*models.QueueItem
	var corrupted []string
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, storageErr("scan item", err)
		}

		item, err := tx.r.decode(rec)
		if err != nil {
			corrupted = append(corrupted, rec.ID)
			logging.ErrorWithCode("Skipping queue item that failed verification", string(apperrors.ErrIntegrity), err,
				map[string]interface{}{
					"item_id":            rec.ID,
					"type":               rec.Type,
					"status":             rec.Status,
					"integrity_failures": rec.IntegrityFailures + 1,
				})
			continue
		}

		items = append(items, item)
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storageErr("list items", err)
	}
	rows.Close()

	// The single connection is free again once rows is closed.
	for _, id := range corrupted {
		if _, err := tx.q.ExecContext(ctx,
			`UPDATE queue_items SET integrity_failures = integrity_failures + 1 WHERE id = ?`, id); err != nil {
			logging.Error("Failed to record integrity failure", err, map[string]interface{}{"item_id": id})
		}
	}

	return items, nil
}

// UpdateStatus applies change to one item. See Repository.UpdateStatus.
func (tx *Tx) UpdateStatus(ctx context.Context, id string, change StatusChange) error {
	if !change.Status.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid status %q", change.Status))
	}
	if !models.ValidID(id) {
		return notFound(id)
	}

	var current string
	err := tx.q.QueryRowContext(ctx, `SELECT status FROM queue_items WHERE id = ?`, id).Scan(&current)
	if stderrors.Is(err, sql.ErrNoRows) {
		return notFound(id)
	}
	if err != nil {
		return storageErr("read item status", err)
	}

	if !models.CanTransition(models.Status(current), change.Status) {
		return apperrors.New(apperrors.ErrInvalidTransition,
			fmt.Sprintf("item %s cannot move from %s to %s", id, current, change.Status))
	}

	increment := 0
	if change.Status.IsFailure() {
		increment = 1
	}

	_, err = tx.q.ExecContext(ctx, `
	UPDATE queue_items
	SET status = ?, updated_at = ?, retry_count = retry_count + ?, next_retry_at = ?,
		last_error = CASE WHEN ? = '' THEN last_error ELSE ? END
	WHERE id = ?`,
		string(change.Status), models.Millis(tx.r.now()), increment, nullableMillis(change.NextRetryAt),
		change.Error, change.Error, id,
	)
	if err != nil {
		return storageErr("update item status", err)
	}
	return nil
}

// Delete removes one item.
func (tx *Tx) Delete(ctx context.Context, id string) error {
	res, err := tx.q.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete item", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete item", err)
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

// CountByType counts stored items of type t in any status.
func (tx *Tx) CountByType(ctx context.Context, t models.ItemType) (int, error) {
	var n int
	if err := tx.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items WHERE type = ?`, string(t)).Scan(&n); err != nil {
		return 0, storageErr("count items", err)
	}
	return n, nil
}

// BytesByType sums size_bytes of stored items of type t.
func (tx *Tx) BytesByType(ctx context.Context, t models.ItemType) (int64, error) {
	var n int64
	err := tx.q.QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM queue_items WHERE type = ?`, string(t)).Scan(&n)
	if err != nil {
		return 0, storageErr("sum item sizes", err)
	}
	return n, nil
}

// ItemMeta is the unencrypted part of a stored item used for eviction.
type ItemMeta struct {
	ID        string
	CreatedAt time.Time
	SizeBytes int64
}

// OldestByType returns metadata of items of type t, oldest first. Payloads
// are not decrypted.
func (tx *Tx) OldestByType(ctx context.Context, t models.ItemType) ([]ItemMeta, error) {
	rows, err := tx.q.QueryContext(ctx,
		`SELECT id, created_at, size_bytes FROM queue_items WHERE type = ? ORDER BY created_at ASC, seq ASC`, string(t))
	if err != nil {
		return nil, storageErr("list oldest items", err)
	}
	defer rows.Close()

	var out []ItemMeta
	for rows.Next() {
		var m ItemMeta
		var created int64
		if err := rows.Scan(&m.ID, &created, &m.SizeBytes); err != nil {
			return nil, storageErr("scan oldest items", err)
		}
		m.CreatedAt = models.FromMillis(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list oldest items", err)
	}
	return out, nil
}

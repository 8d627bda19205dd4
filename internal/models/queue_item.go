package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueItem is a unit of work awaiting delivery. Exactly one of Ticket,
// Feedback or Log is set, matching Type.
type QueueItem struct {
	ID          string
	Type        ItemType
	Status      Status
	Priority    Priority
	Destination Destination
	RetryCount  int
	NextRetryAt *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	SizeBytes   int64

	Ticket   *TicketPayload
	Feedback *FeedbackPayload
	Log      *LogPayload
}

// NewID returns a fresh item identifier (UUID v4).
func NewID() string {
	return uuid.New().String()
}

// ValidID reports whether s has the shape of an identifier returned by NewID.
func ValidID(s string) bool {
	id, err := uuid.Parse(s)
	return err == nil && id.Version() == 4 && len(s) == 36
}

// NewTicketItem builds a pending ticket item.
func NewTicketItem(p TicketPayload, priority Priority, dest Destination, now time.Time) (*QueueItem, error) {
	item := newItem(ItemTypeTicket, priority, now)
	item.Destination = dest
	item.Ticket = &p
	return item, item.computeSize()
}

// NewFeedbackItem builds a pending feedback item.
func NewFeedbackItem(p FeedbackPayload, priority Priority, dest Destination, now time.Time) (*QueueItem, error) {
	item := newItem(ItemTypeFeedback, priority, now)
	item.Destination = dest
	item.Feedback = &p
	return item, item.computeSize()
}

// NewLogItem builds a pending log item. Logs are ordered low priority.
func NewLogItem(p LogPayload, now time.Time) (*QueueItem, error) {
	item := newItem(ItemTypeLog, PriorityLow, now)
	item.Log = &p
	return item, item.computeSize()
}

func newItem(t ItemType, priority Priority, now time.Time) *QueueItem {
	if !priority.Valid() {
		priority = PriorityNormal
	}
	now = now.UTC()
	return &QueueItem{
		ID:        NewID(),
		Type:      t,
		Status:    StatusPending,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (item *QueueItem) computeSize() error {
	data, err := item.MarshalPayload()
	if err != nil {
		return err
	}
	item.SizeBytes = int64(len(data))
	return nil
}

// MarshalPayload serializes the variant payload selected by Type.
func (item *QueueItem) MarshalPayload() ([]byte, error) {
	var v interface{}
	switch item.Type {
	case ItemTypeTicket:
		v = item.Ticket
	case ItemTypeFeedback:
		v = item.Feedback
	case ItemTypeLog:
		v = item.Log
	default:
		return nil, fmt.Errorf("unknown item type %q", item.Type)
	}
	if v == nil {
		return nil, fmt.Errorf("%s item %s has no payload", item.Type, item.ID)
	}
	return json.Marshal(v)
}

// UnmarshalPayload decodes data into the variant payload selected by Type.
func (item *QueueItem) UnmarshalPayload(data []byte) error {
	switch item.Type {
	case ItemTypeTicket:
		item.Ticket = &TicketPayload{}
		return json.Unmarshal(data, item.Ticket)
	case ItemTypeFeedback:
		item.Feedback = &FeedbackPayload{}
		return json.Unmarshal(data, item.Feedback)
	case ItemTypeLog:
		item.Log = &LogPayload{}
		return json.Unmarshal(data, item.Log)
	default:
		return fmt.Errorf("unknown item type %q", item.Type)
	}
}

// Eligible reports whether the item may be attempted at now.
func (item *QueueItem) Eligible(now time.Time) bool {
	if item.Status != StatusPending && item.Status != StatusRetrying {
		return false
	}
	return item.NextRetryAt == nil || !item.NextRetryAt.After(now)
}

// QueueRecord is the persisted row of a QueueItem. The payload only exists
// as the Ciphertext/Nonce/AuthTag triple.
type QueueRecord struct {
	Seq               int64
	ID                string
	Type              string
	Status            string
	Priority          int
	Destination       string
	Ciphertext        []byte
	Nonce             []byte
	AuthTag           []byte
	RetryCount        int
	NextRetryAt       *int64
	LastError         string
	CreatedAt         int64
	UpdatedAt         int64
	SizeBytes         int64
	IntegrityFailures int
}

// ToItem converts the record metadata into a QueueItem without a payload.
func (r *QueueRecord) ToItem() *QueueItem {
	item := &QueueItem{
		ID:          r.ID,
		Type:        ItemType(r.Type),
		Status:      Status(r.Status),
		Priority:    PriorityFromRank(r.Priority),
		Destination: Destination(r.Destination),
		RetryCount:  r.RetryCount,
		LastError:   r.LastError,
		CreatedAt:   FromMillis(r.CreatedAt),
		UpdatedAt:   FromMillis(r.UpdatedAt),
		SizeBytes:   r.SizeBytes,
	}
	if r.NextRetryAt != nil {
		t := FromMillis(*r.NextRetryAt)
		item.NextRetryAt = &t
	}
	return item
}

// Millis converts t to Unix milliseconds, the storage time unit.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts Unix milliseconds back to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

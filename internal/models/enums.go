// Package models provides data model definitions for the delivery queue.
package models

// ItemType discriminates the payload variant of a QueueItem.
type ItemType string

const (
	ItemTypeTicket   ItemType = "ticket"
	ItemTypeFeedback ItemType = "feedback"
	ItemTypeLog      ItemType = "log"
)

// AllItemTypes lists every item type.
var AllItemTypes = []ItemType{ItemTypeTicket, ItemTypeFeedback, ItemTypeLog}

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeTicket, ItemTypeFeedback, ItemTypeLog:
		return true
	}
	return false
}

// Deliverable reports whether items of this type are sent to a destination.
// Log items are a local diagnostics buffer and are never synced on their own.
func (t ItemType) Deliverable() bool {
	return t == ItemTypeTicket || t == ItemTypeFeedback
}

// Status is the delivery state of a QueueItem.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusRetrying, StatusCompleted, StatusFailed}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRetrying:
		return true
	}
	return false
}

// Terminal reports whether no further delivery attempt will be made.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsFailure reports whether entering s counts as a failed delivery attempt.
func (s Status) IsFailure() bool {
	return s == StatusRetrying || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusRetrying},
	StatusProcessing: {StatusCompleted, StatusRetrying, StatusFailed},
	StatusRetrying:   {StatusProcessing, StatusFailed},
}

// CanTransition reports whether an item may move from one status to another.
// Nothing ever returns to pending, and completed/failed are final.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority orders delivery within a sync pass.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// AllPriorities lists priorities from lowest to highest rank.
var AllPriorities = []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical}

// Rank returns the ordering weight of p; higher is delivered first.
// Unknown priorities rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// PriorityFromRank is the inverse of Rank.
func PriorityFromRank(rank int) Priority {
	if rank < 0 || rank >= len(AllPriorities) {
		return PriorityNormal
	}
	return AllPriorities[rank]
}

// Destination is the external system an item is delivered to.
type Destination string

const (
	DestinationNone       Destination = ""
	DestinationServiceNow Destination = "servicenow"
	DestinationJira       Destination = "jira"
	DestinationZendesk    Destination = "zendesk"
	DestinationSalesforce Destination = "salesforce"
)

// AllDestinations lists every supported destination.
var AllDestinations = []Destination{DestinationServiceNow, DestinationJira, DestinationZendesk, DestinationSalesforce}

// Valid reports whether d names a supported destination.
func (d Destination) Valid() bool {
	switch d {
	case DestinationServiceNow, DestinationJira, DestinationZendesk, DestinationSalesforce:
		return true
	}
	return false
}

// Package adapters implements delivery transports for the sync orchestrator.
package adapters

import (
	"encoding/json"
	"time"

	"github.com/kimhsiao/supportsync/internal/models"
)

// HeaderIdempotencyKey carries the queue item id. A redelivered item keeps
// its key.
const HeaderIdempotencyKey = "Idempotency-Key"

// Envelope is the wire document every transport sends.
type Envelope struct {
	ItemID      string                  `json:"item_id,omitempty"`
	Kind        models.ItemType         `json:"kind"`
	Destination models.Destination      `json:"destination"`
	SentAt      time.Time               `json:"sent_at"`
	Ticket      *models.TicketPayload   `json:"ticket,omitempty"`
	Feedback    *models.FeedbackPayload `json:"feedback,omitempty"`
}

func ticketEnvelope(id string, dest models.Destination, t models.TicketPayload, now time.Time) ([]byte, error) {
	return json.Marshal(Envelope{ItemID: id, Kind: models.ItemTypeTicket, Destination: dest, SentAt: now.UTC(), Ticket: &t})
}

func feedbackEnvelope(id string, dest models.Destination, f models.FeedbackPayload, now time.Time) ([]byte, error) {
	return json.Marshal(Envelope{ItemID: id, Kind: models.ItemTypeFeedback, Destination: dest, SentAt: now.UTC(), Feedback: &f})
}

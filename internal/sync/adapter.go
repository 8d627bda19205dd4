package sync

import (
	"context"
	"fmt"

	"github.com/kimhsiao/supportsync/internal/models"
)

// Adapter delivers items to one external destination. Errors should be
// marked with errors.Retryable or errors.Terminal; unmarked errors are
// treated as retryable.
type Adapter interface {
	SyncTicket(ctx context.Context, ticket models.TicketPayload) error
	SyncFeedback(ctx context.Context, feedback models.FeedbackPayload) error
	TestConnection(ctx context.Context) bool
}

type itemIDKey struct{}

// WithItemID returns a copy of ctx carrying the id of the item being delivered.
func WithItemID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, itemIDKey{}, id)
}

// ItemIDFrom returns the id of the item being delivered, or "" when ctx
// does not carry one. Transports send it so destinations can drop
// redeliveries.
func ItemIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(itemIDKey{}).(string)
	return id
}

// AdapterSet holds at most one adapter per destination.
type AdapterSet struct {
	ServiceNow Adapter
	Jira       Adapter
	Zendesk    Adapter
	Salesforce Adapter
}

// For returns the adapter for dest, or nil when none is configured.
func (s *AdapterSet) For(dest models.Destination) Adapter {
	if s == nil {
		return nil
	}
	switch dest {
	case models.DestinationServiceNow:
		return s.ServiceNow
	case models.DestinationJira:
		return s.Jira
	case models.DestinationZendesk:
		return s.Zendesk
	case models.DestinationSalesforce:
		return s.Salesforce
	default:
		return nil
	}
}

// Set installs a for dest.
func (s *AdapterSet) Set(dest models.Destination, a Adapter) error {
	switch dest {
	case models.DestinationServiceNow:
		s.ServiceNow = a
	case models.DestinationJira:
		s.Jira = a
	case models.DestinationZendesk:
		s.Zendesk = a
	case models.DestinationSalesforce:
		s.Salesforce = a
	default:
		return fmt.Errorf("unknown destination %q", dest)
	}
	return nil
}

// Configured lists destinations that have an adapter, in declaration order.
func (s *AdapterSet) Configured() []models.Destination {
	var out []models.Destination
	for _, dest := range models.AllDestinations {
		if s.For(dest) != nil {
			out = append(out, dest)
		}
	}
	return out
}

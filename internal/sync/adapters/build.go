package adapters

import (
	"fmt"
	"io"

	"github.com/kimhsiao/supportsync/internal/config"
	"github.com/kimhsiao/supportsync/internal/logging"
	"github.com/kimhsiao/supportsync/internal/models"
	syncpkg "github.com/kimhsiao/supportsync/internal/sync"
)

// Build creates one adapter per configured destination. The returned
// closers release transport resources on shutdown.
func Build(destinations map[models.Destination]config.DestinationConfig) (*syncpkg.AdapterSet, []io.Closer, error) {
	set := &syncpkg.AdapterSet{}
	var closers []io.Closer

	for _, dest := range models.AllDestinations {
		dc, ok := destinations[dest]
		if !ok {
			continue
		}

		var adapter syncpkg.Adapter
		switch dc.Transport {
		case config.TransportWebhook:
			adapter = NewWebhookAdapter(dest, dc)
		case config.TransportKafka:
			k := NewKafkaAdapter(dest, dc)
			closers = append(closers, k)
			adapter = k
		default:
			return nil, closers, fmt.Errorf("destination %s: unknown transport %q", dest, dc.Transport)
		}

		if err := set.Set(dest, adapter); err != nil {
			return nil, closers, err
		}
		logging.Debug("Configured destination", map[string]interface{}{
			"destination": dest,
			"transport":   dc.Transport,
		})
	}
	return set, closers, nil
}

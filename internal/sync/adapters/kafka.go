package adapters

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kimhsiao/supportsync/internal/config"
	apperrors "github.com/kimhsiao/supportsync/internal/errors"
	"github.com/kimhsiao/supportsync/internal/models"
	syncpkg "github.com/kimhsiao/supportsync/internal/sync"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAdapter publishes items to a Kafka topic. Messages are keyed by
// destination so one destination's items stay in one partition.
type KafkaAdapter struct {
	dest    models.Destination
	brokers []string
	topic   string
	writer  messageWriter
	now     func() time.Time
}

// NewKafkaAdapter creates a KafkaAdapter for dest.
func NewKafkaAdapter(dest models.Destination, cfg config.DestinationConfig) *KafkaAdapter {
	return &KafkaAdapter{
		dest:    dest,
		brokers: cfg.Brokers,
		topic:   cfg.Topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  1,
		},
		now: time.Now,
	}
}

// SyncTicket publishes a ticket.
func (a *KafkaAdapter) SyncTicket(ctx context.Context, t models.TicketPayload) error {
	value, err := ticketEnvelope(syncpkg.ItemIDFrom(ctx), a.dest, t, a.now())
	if err != nil {
		return apperrors.Terminal(fmt.Errorf("encode ticket: %w", err))
	}
	return a.publish(ctx, models.ItemTypeTicket, value)
}

// SyncFeedback publishes feedback.
func (a *KafkaAdapter) SyncFeedback(ctx context.Context, f models.FeedbackPayload) error {
	value, err := feedbackEnvelope(syncpkg.ItemIDFrom(ctx), a.dest, f, a.now())
	if err != nil {
		return apperrors.Terminal(fmt.Errorf("encode feedback: %w", err))
	}
	return a.publish(ctx, models.ItemTypeFeedback, value)
}

func (a *KafkaAdapter) publish(ctx context.Context, kind models.ItemType, value []byte) error {
	msg := kafka.Message{
		Key:   []byte(a.dest),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(kind)},
			{Key: "destination", Value: []byte(a.dest)},
		},
	}
	if id := syncpkg.ItemIDFrom(ctx); id != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "item_id", Value: []byte(id)})
	}
	if err := a.writer.WriteMessages(ctx, msg); err != nil {
		return classifyKafka(fmt.Errorf("publish to %s: %w", a.topic, err))
	}
	return nil
}

// classifyKafka marks broker errors that will never succeed as terminal.
func classifyKafka(err error) error {
	var writeErrs kafka.WriteErrors
	if stderrors.As(err, &writeErrs) && len(writeErrs) == 1 && writeErrs[0] != nil {
		err = fmt.Errorf("%w: %w", err, writeErrs[0])
	}

	var kerr kafka.Error
	if stderrors.As(err, &kerr) && !kerr.Temporary() {
		switch kerr {
		case kafka.MessageSizeTooLarge, kafka.InvalidMessage, kafka.InvalidMessageSize,
			kafka.TopicAuthorizationFailed, kafka.InvalidTopic:
			return apperrors.Terminal(err)
		}
	}
	return apperrors.Retryable(err)
}

// TestConnection dials the brokers until one answers.
func (a *KafkaAdapter) TestConnection(ctx context.Context) bool {
	for _, broker := range a.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			continue
		}
		conn.Close()
		return true
	}
	return false
}

// Close flushes and closes the writer.
func (a *KafkaAdapter) Close() error {
	return a.writer.Close()
}

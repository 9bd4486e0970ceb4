package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/scholarstream/application-service/internal/store"
	"github.com/scholarstream/application-service/pkg/rabbitmq"
)

// PublisherFactory opens a publisher. It is called lazily and again after a
// publish failure.
type PublisherFactory func() (rabbitmq.Publisher, error)

// EventDispatcher relays event_outbox rows to RabbitMQ.
type EventDispatcher struct {
	repo                store.Repository
	newPublisher        PublisherFactory
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	producer            rabbitmq.Publisher
}

func NewEventDispatcher(repo store.Repository, newPublisher PublisherFactory) *EventDispatcher {
	return &EventDispatcher{
		repo:                repo,
		newPublisher:        newPublisher,
		batchSize:           defaultBatchSize,
		pollInterval:        defaultPollInterval,
		staleProcessingTime: defaultStaleProcessing,
	}
}

func (d *EventDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closeProducer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.flushOnce(ctx); err != nil {
				log.Printf("level=error component=event_dispatcher msg=\"outbox flush failed\" err=%v", err)
			}
		}
	}
}

func (d *EventDispatcher) flushOnce(ctx context.Context) error {
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, int(d.staleProcessingTime.Seconds()))
	if err != nil {
		return err
	}

	// aggregates whose earlier event failed in this pass; their later events wait
	blocked := make(map[string]bool)
	for _, message := range messages {
		if message.AggregateID != "" && blocked[message.AggregateID] {
			d.reschedule(ctx, message, 1, "held behind an earlier event for the same aggregate")
			continue
		}
		if err := d.publishMessage(ctx, message); err != nil {
			if message.AggregateID != "" {
				blocked[message.AggregateID] = true
			}
			d.reschedule(ctx, message, retryDelaySeconds(message.Attempts), err.Error())
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			log.Printf("level=warn component=event_dispatcher msg=\"failed to mark outbox message published\" id=%d err=%v", message.ID, err)
		}
	}
	return nil
}

func (d *EventDispatcher) reschedule(ctx context.Context, message store.OutboxMessage, retryAfter int, reason string) {
	if err := d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, reason); err != nil {
		log.Printf("level=warn component=event_dispatcher msg=\"failed to reschedule outbox message\" id=%d aggregate_id=%s err=%v", message.ID, message.AggregateID, err)
	}
}

func (d *EventDispatcher) publishMessage(ctx context.Context, message store.OutboxMessage) error {
	if d.producer == nil {
		producer, err := d.newPublisher()
		if err != nil {
			return err
		}
		d.producer = producer
	}

	var payload json.RawMessage = message.Payload
	if err := d.producer.Publish(ctx, message.Exchange, message.RoutingKey, payload); err != nil {
		d.closeProducer()
		return err
	}
	return nil
}

func (d *EventDispatcher) closeProducer() {
	if d.producer != nil {
		d.producer.Close()
		d.producer = nil
	}
}

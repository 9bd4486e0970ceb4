package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one message body. Returning false reports a failure that
// is worth one more delivery.
type Handler func([]byte) bool

// Subscription is a durable queue on a topic exchange with one handler per
// routing key. Deliveries that fail again after a redelivery are parked on
// the queue's dead-letter queue instead of cycling forever.
type Subscription struct {
	Exchange string
	Queue    string
	Prefetch int
	Handlers map[string]Handler
}

func (s Subscription) deadLetterExchange() string { return s.Queue + ".dlx" }
func (s Subscription) deadLetterQueue() string    { return s.Queue + ".dead" }

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial consumer: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}
	return &Consumer{conn: conn, ch: ch}, nil
}

// Subscribe declares the subscription's topology and settles deliveries in a
// background goroutine until ctx is cancelled or the channel closes.
func (c *Consumer) Subscribe(ctx context.Context, sub Subscription) error {
	handlers := make(map[string]Handler, len(sub.Handlers))
	for routingKey, handler := range sub.Handlers {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return errors.New("subscription has no handlers")
	}

	prefetch := sub.Prefetch
	if prefetch <= 0 {
		prefetch = 10
	}
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	if err := c.declare(sub, handlers); err != nil {
		return err
	}

	deliveries, err := c.ch.ConsumeWithContext(ctx, sub.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", sub.Queue, err)
	}

	go func() {
		for d := range deliveries {
			settle(handlers, d)
		}
		log.Printf("level=info component=rabbitmq_consumer msg=\"delivery stream closed\" queue=%s", sub.Queue)
	}()
	return nil
}

func (c *Consumer) declare(sub Subscription, handlers map[string]Handler) error {
	if err := c.ch.ExchangeDeclare(sub.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", sub.Exchange, err)
	}
	if err := c.ch.ExchangeDeclare(sub.deadLetterExchange(), "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", sub.deadLetterExchange(), err)
	}
	if _, err := c.ch.QueueDeclare(sub.deadLetterQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", sub.deadLetterQueue(), err)
	}
	if err := c.ch.QueueBind(sub.deadLetterQueue(), "", sub.deadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", sub.deadLetterQueue(), err)
	}

	args := amqp.Table{"x-dead-letter-exchange": sub.deadLetterExchange()}
	if _, err := c.ch.QueueDeclare(sub.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", sub.Queue, err)
	}
	for routingKey := range handlers {
		if err := c.ch.QueueBind(sub.Queue, routingKey, sub.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", sub.Queue, routingKey, err)
		}
	}
	return nil
}

// settle acks handled and unroutable deliveries. A failed first delivery is
// requeued once; a failed redelivery is rejected onto the dead-letter queue.
func settle(handlers map[string]Handler, d amqp.Delivery) {
	handler, ok := handlers[d.RoutingKey]
	switch {
	case !ok:
		log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler; dropping\" routing_key=%s", d.RoutingKey)
		_ = d.Ack(false)
	case handler(d.Body):
		_ = d.Ack(false)
	case d.Redelivered:
		log.Printf("level=error component=rabbitmq_consumer msg=\"handler failed on redelivery; dead-lettering\" routing_key=%s message_id=%s", d.RoutingKey, d.MessageId)
		_ = d.Nack(false, false)
	default:
		log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; requeueing\" routing_key=%s", d.RoutingKey)
		_ = d.Nack(false, true)
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

package queue

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys published by the billing service
const (
	routingKeyUpdated = "subscription.updated"
	routingKeyDeleted = "subscription.deleted"
)

// Consumer owns the AMQP connection and feeds billing events into an
// EventHandler.
type Consumer struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	handler *EventHandler
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

func NewConsumer(amqpURL string, handler *EventHandler) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	// One unacked message at a time: transitions for the same
	// subscription must not race each other
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, handler: handler}, nil
}

// Start declares the topology and begins dispatching deliveries. It
// returns once consumption is running; the dispatch loop ends when ctx
// is canceled or the connection drops.
func (c *Consumer) Start(ctx context.Context, exchange, queueName string) error {
	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	for _, key := range []string{routingKeyUpdated, routingKeyDeleted} {
		if err := c.ch.QueueBind(q.Name, key, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consume: %w", err)
	}

	go func() {
		<-ctx.Done()
		c.Close()
	}()

	go func() {
		for d := range msgs {
			if c.handler.Handle(ctx, d.Body) {
				d.Ack(false)
			} else {
				d.Nack(false, true)
			}
		}
		log.Printf("[Queue] Delivery channel closed")
	}()

	log.Printf("[Queue] Consuming subscription events from exchange %s (queue %s)", exchange, q.Name)
	return nil
}

// Close shuts the channel and connection down
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

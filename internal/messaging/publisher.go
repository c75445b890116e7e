package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// EventPublisher sends domain events to a broker.
type EventPublisher interface {
	Publish(ctx context.Context, event *DomainEvent) error
	Name() string
	Close() error
}

// ErrNacked is returned when the broker refuses a published message.
var ErrNacked = errors.New("message was nacked by broker")

// Publisher publishes domain events to a RabbitMQ topic exchange with
// publisher confirms. Publishes are serialized on one channel so every
// message is matched to its own confirmation.
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger

	mu       sync.Mutex
	confirms <-chan amqp.Confirmation
	nextTag  uint64
}

// NewPublisher initializes a RabbitMQ publisher with the given exchange.
func NewPublisher(amqpURL, exchange string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	// Topic exchange so consumers can bind on allocation.* and stock.*.
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true, // durable
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Publisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

func (p *Publisher) Name() string { return "rabbitmq" }

// Publish sends event with its type as routing key and waits for the
// broker's confirmation or ctx.
func (p *Publisher) Publish(ctx context.Context, event *DomainEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.Publish(
		p.exchange,
		string(event.Type),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     event.ID,
			CorrelationId: event.TraceID,
			Timestamp:     event.OccurredAt,
			Type:          string(event.Type),
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	p.nextTag++
	tag := p.nextTag

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case confirm, ok := <-p.confirms:
			if !ok {
				return amqp.ErrClosed
			}
			// Older tags belong to publishes that gave up waiting.
			if confirm.DeliveryTag < tag {
				continue
			}
			if !confirm.Ack {
				return ErrNacked
			}
			p.logger.Debug("event published",
				zap.String("event_id", event.ID),
				zap.String("routing_key", string(event.Type)),
			)
			return nil
		}
	}
}

// Close shuts down RabbitMQ resources gracefully.
func (p *Publisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

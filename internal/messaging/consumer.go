package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/streadway/amqp"
	"go.uber.org/zap"

	"warehouse-allocator/internal/allocator"
	"warehouse-allocator/internal/metrics"
	"warehouse-allocator/internal/models"
)

// Allocator runs one allocation. *allocator.Allocator satisfies it.
type Allocator interface {
	Allocate(ctx context.Context, req models.AllocationRequest) (*models.Allocation, error)
}

// Deduper claims message ids so redeliveries are applied once.
// *store.DedupStore satisfies it.
type Deduper interface {
	TryProcess(ctx context.Context, messageID, eventType string) (bool, error)
	Release(ctx context.Context, messageID string) error
}

// Consumption results, used as the metrics label.
const (
	resultAllocated = "allocated"
	resultRejected  = "rejected"
	resultFailed    = "failed"
	resultDuplicate = "duplicate"
	resultMalformed = "malformed"
	resultRetry     = "retry"
)

// Consumer applies stock.received commands through the allocator.
//
// Every command is acked exactly once: allocated and duplicate messages are
// acked; malformed, rejected and failed ones are nacked without requeue so
// the broker moves them to the dead letter queue. A dedup store error is
// nacked with requeue since nothing was attempted.
type Consumer struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	exchange  string
	queue     string
	allocator Allocator
	dedup     Deduper
	workers   int
	logger    *zap.Logger
	metrics   *metrics.Metrics
	done      chan struct{}
	wg        sync.WaitGroup
}

// ConsumerConfig names the broker resources the consumer declares.
type ConsumerConfig struct {
	URL      string
	Exchange string
	Queue    string
	Workers  int
}

// NewConsumer creates a consumer. conn may be nil for a consumer that is fed
// deliveries directly through Handle.
func NewConsumer(cfg ConsumerConfig, alloc Allocator, dedup Deduper, logger *zap.Logger, m *metrics.Metrics) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Queue == "" {
		cfg.Queue = string(EventStockReceived)
	}

	c := &Consumer{
		exchange:  cfg.Exchange,
		queue:     cfg.Queue,
		allocator: alloc,
		dedup:     dedup,
		workers:   cfg.Workers,
		logger:    logger,
		metrics:   m,
		done:      make(chan struct{}),
	}
	if cfg.URL == "" {
		return c, nil
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	// Fair dispatch across workers.
	if err := ch.Qos(cfg.Workers*2, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	c.conn = conn
	c.channel = ch
	return c, nil
}

// DeadLetterQueue returns the name of the queue failed commands land in.
func (c *Consumer) DeadLetterQueue() string {
	return c.queue + ".dlq"
}

func (c *Consumer) dlx() string {
	return c.exchange + ".dlx"
}

// declare sets up the exchange, the dead letter exchange and queue, and the
// command queue bound on stock.received.
func (c *Consumer) declare() error {
	if err := c.channel.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if err := c.channel.ExchangeDeclare(c.dlx(), "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead letter exchange: %w", err)
	}
	if _, err := c.channel.QueueDeclare(c.DeadLetterQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead letter queue: %w", err)
	}
	if err := c.channel.QueueBind(c.DeadLetterQueue(), c.queue, c.dlx(), false, nil); err != nil {
		return fmt.Errorf("bind dead letter queue: %w", err)
	}

	q, err := c.channel.QueueDeclare(
		c.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    c.dlx(),
			"x-dead-letter-routing-key": c.queue,
		},
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	return c.channel.QueueBind(q.Name, string(EventStockReceived), c.exchange, false, nil)
}

// Start declares the topology and starts the worker pool.
func (c *Consumer) Start() error {
	if c.channel == nil {
		return errors.New("consumer has no broker connection")
	}
	if err := c.declare(); err != nil {
		return err
	}

	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return err
	}

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.work(msgs)
	}

	c.logger.Info("stock consumer started",
		zap.String("queue", c.queue),
		zap.Int("workers", c.workers),
	)
	return nil
}

func (c *Consumer) work(msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("delivery channel closed", zap.String("queue", c.queue))
				return
			}
			c.Handle(context.Background(), msg)
		}
	}
}

// Handle processes one delivery and settles it.
func (c *Consumer) Handle(ctx context.Context, msg amqp.Delivery) {
	result := c.handle(ctx, msg)
	if c.metrics != nil {
		c.metrics.RecordConsumed(c.queue, result)
	}
}

func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery) string {
	var event DomainEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		c.logger.Warn("failed to unmarshal event", zap.Error(err))
		c.settle(msg, false, false)
		return resultMalformed
	}
	if event.Type != EventStockReceived {
		c.logger.Warn("unexpected event type", zap.String("event_type", string(event.Type)))
		c.settle(msg, false, false)
		return resultMalformed
	}

	var payload StockReceivedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		c.logger.Warn("failed to parse stock.received payload", zap.String("event_id", event.ID), zap.Error(err))
		c.settle(msg, false, false)
		return resultMalformed
	}

	msgID := msg.MessageId
	if msgID == "" {
		msgID = event.ID
	}
	log := c.logger.With(zap.String("message_id", msgID))

	if msgID != "" && c.dedup != nil {
		claimed, err := c.dedup.TryProcess(ctx, msgID, string(event.Type))
		if err != nil {
			log.Warn("dedup check failed, requeueing", zap.Error(err))
			c.settle(msg, false, true)
			return resultRetry
		}
		if !claimed {
			log.Info("message already processed, skipping")
			c.settle(msg, true, false)
			return resultDuplicate
		}
	}

	alloc, err := c.allocator.Allocate(ctx, payload.AllocationRequest)
	switch {
	case err == nil:
		log.Info("stock allocated",
			zap.Int64("allocation_id", alloc.ID),
			zap.Int64("order_id", alloc.OrderID),
		)
		c.settle(msg, true, false)
		return resultAllocated
	case allocator.ReasonOf(err) == allocator.ReasonInternal:
		// Forget the claim so a replay from the dead letter queue is applied.
		if msgID != "" && c.dedup != nil {
			if rerr := c.dedup.Release(ctx, msgID); rerr != nil {
				log.Warn("failed to release message claim", zap.Error(rerr))
			}
		}
		log.Error("stock allocation failed", zap.Error(err))
		c.settle(msg, false, false)
		return resultFailed
	default:
		log.Info("stock allocation rejected", zap.String("reason", string(allocator.ReasonOf(err))))
		c.settle(msg, false, false)
		return resultRejected
	}
}

func (c *Consumer) settle(msg amqp.Delivery, ack, requeue bool) {
	var err error
	if ack {
		err = msg.Ack(false)
	} else {
		err = msg.Nack(false, requeue)
	}
	if err != nil {
		c.logger.Warn("failed to settle delivery", zap.Bool("ack", ack), zap.Error(err))
	}
}

// Stop gracefully shuts down the consumer.
func (c *Consumer) Stop() {
	close(c.done)
	c.wg.Wait()

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	c.logger.Info("stock consumer stopped")
}

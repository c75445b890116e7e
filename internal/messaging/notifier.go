package messaging

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"warehouse-allocator/internal/metrics"
	"warehouse-allocator/internal/middleware"
	"warehouse-allocator/internal/models"
)

const (
	defaultQueueSize = 1024
	drainTimeout     = 5 * time.Second
)

var errQueueFull = errors.New("event queue full")

// Notifier publishes allocation.created events off the request path. It
// implements allocator.Listener; events are queued and published by Run
// through a circuit breaker. A full queue drops the event with a warning.
type Notifier struct {
	publisher EventPublisher
	breaker   *middleware.CircuitBreaker
	logger    *zap.Logger
	metrics   *metrics.Metrics
	queue     chan *DomainEvent
}

func NewNotifier(publisher EventPublisher, breaker *middleware.CircuitBreaker, logger *zap.Logger, m *metrics.Metrics) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if breaker == nil {
		breaker = middleware.NewCircuitBreaker(publisher.Name(), nil, nil)
	}
	return &Notifier{
		publisher: publisher,
		breaker:   breaker,
		logger:    logger,
		metrics:   m,
		queue:     make(chan *DomainEvent, defaultQueueSize),
	}
}

// OnAllocated implements allocator.Listener.
func (n *Notifier) OnAllocated(_ context.Context, a *models.Allocation) {
	event, err := NewAllocationCreated(a)
	if err != nil {
		n.logger.Error("failed to build allocation event", zap.Int64("allocation_id", a.ID), zap.Error(err))
		return
	}

	select {
	case n.queue <- event:
	default:
		n.logger.Warn("event queue full, dropping event",
			zap.String("event_id", event.ID),
			zap.Int64("allocation_id", a.ID),
		)
		n.record(event, errQueueFull)
	}
}

// Run publishes queued events until ctx is cancelled, then drains what is
// left within a short deadline.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case event := <-n.queue:
			n.publish(ctx, event)
		case <-ctx.Done():
			n.drain()
			return nil
		}
	}
}

func (n *Notifier) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case event := <-n.queue:
			n.publish(ctx, event)
		default:
			return
		}
	}
}

func (n *Notifier) publish(ctx context.Context, event *DomainEvent) {
	err := n.breaker.Execute(ctx, func(ctx context.Context) error {
		return n.publisher.Publish(ctx, event)
	})
	n.record(event, err)
	if err != nil {
		n.logger.Warn("failed to publish event",
			zap.String("broker", n.publisher.Name()),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
	}
}

func (n *Notifier) record(event *DomainEvent, err error) {
	if n.metrics != nil {
		n.metrics.RecordPublish(n.publisher.Name(), string(event.Type), err)
	}
}

// Breaker exposes the breaker for health reporting.
func (n *Notifier) Breaker() *middleware.CircuitBreaker {
	return n.breaker
}

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warehouse-allocator/internal/metrics"
	"warehouse-allocator/internal/middleware"
	"warehouse-allocator/internal/models"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []*DomainEvent
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, event *DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) Name() string { return "fake" }
func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func testAllocation() *models.Allocation {
	return &models.Allocation{
		ID:          3,
		WarehouseID: 2,
		ProductID:   1,
		OrderID:     7,
		Amount:      5,
		Price:       decimal.RequireFromString("62.50"),
		CreatedAt:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestNotifier_PublishesAllocationCreated(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNotifier(pub, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(ctx)
	}()

	n.OnAllocated(context.Background(), testAllocation())

	assert.Eventually(t, func() bool { return pub.published() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	event := pub.events[0]
	assert.Equal(t, EventAllocationCreated, event.Type)
	assert.Equal(t, "2", event.Key)

	var payload AllocationCreatedPayload
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, int64(7), payload.Allocation.OrderID)
	assert.True(t, payload.Allocation.Price.Equal(decimal.RequireFromString("62.5")))
}

func TestNotifier_DrainsOnShutdown(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNotifier(pub, nil, nil, nil)

	n.OnAllocated(context.Background(), testAllocation())
	n.OnAllocated(context.Background(), testAllocation())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, n.Run(ctx))

	assert.Equal(t, 2, pub.published())
}

func TestNotifier_FailuresOpenBreaker(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	breaker := middleware.NewCircuitBreaker("fake", &middleware.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	}, nil)
	n := NewNotifier(pub, breaker, nil, m)

	for i := 0; i < 3; i++ {
		n.publish(context.Background(), &DomainEvent{ID: "e", Type: EventAllocationCreated})
	}

	assert.Equal(t, middleware.CircuitOpen, n.Breaker().State())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.MQPublishFailures.WithLabelValues("fake", string(EventAllocationCreated))))
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_KeysByEventKey(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w)

	event, err := NewAllocationCreated(testAllocation())
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), event))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "2", string(w.msgs[0].Key))
	assert.Equal(t, "kafka", p.Name())

	var decoded DomainEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, EventAllocationCreated, decoded.Type)
}

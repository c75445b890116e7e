package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	amqp "github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warehouse-allocator/internal/allocator"
	"warehouse-allocator/internal/models"
)

type settlement struct {
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	settled []settlement
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, settlement{ack: true})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, settlement{requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeAllocator struct {
	calls int
	err   error
}

func (f *fakeAllocator) Allocate(_ context.Context, req models.AllocationRequest) (*models.Allocation, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.Allocation{
		ID:          1,
		WarehouseID: req.WarehouseID,
		ProductID:   req.ProductID,
		OrderID:     7,
		Amount:      req.Amount,
		Price:       decimal.NewFromInt(int64(req.Amount) * 10),
		CreatedAt:   req.CreatedAt,
	}, nil
}

type fakeDeduper struct {
	claimed  map[string]bool
	released []string
	err      error
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{claimed: make(map[string]bool)}
}

func (d *fakeDeduper) TryProcess(_ context.Context, id, _ string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	if d.claimed[id] {
		return false, nil
	}
	d.claimed[id] = true
	return true, nil
}

func (d *fakeDeduper) Release(_ context.Context, id string) error {
	delete(d.claimed, id)
	d.released = append(d.released, id)
	return nil
}

func stockDelivery(t *testing.T, ack amqp.Acknowledger, messageID string) amqp.Delivery {
	t.Helper()
	event, err := NewEvent(EventStockReceived, "1", StockReceivedPayload{
		AllocationRequest: models.AllocationRequest{
			ProductID:   1,
			WarehouseID: 1,
			Amount:      5,
			CreatedAt:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, MessageId: messageID, Body: body}
}

func newTestConsumer(t *testing.T, alloc Allocator, dedup Deduper) *Consumer {
	t.Helper()
	c, err := NewConsumer(ConsumerConfig{Exchange: "warehouse.events"}, alloc, dedup, nil, nil)
	require.NoError(t, err)
	return c
}

func TestConsumer_AllocatesAndAcks(t *testing.T) {
	alloc := &fakeAllocator{}
	c := newTestConsumer(t, alloc, newFakeDeduper())
	ack := &fakeAcknowledger{}

	result := c.handle(context.Background(), stockDelivery(t, ack, "msg-1"))

	assert.Equal(t, resultAllocated, result)
	assert.Equal(t, 1, alloc.calls)
	assert.Equal(t, []settlement{{ack: true}}, ack.settled)
}

func TestConsumer_SkipsDuplicates(t *testing.T) {
	alloc := &fakeAllocator{}
	c := newTestConsumer(t, alloc, newFakeDeduper())
	ack := &fakeAcknowledger{}

	c.handle(context.Background(), stockDelivery(t, ack, "msg-1"))
	result := c.handle(context.Background(), stockDelivery(t, ack, "msg-1"))

	assert.Equal(t, resultDuplicate, result)
	assert.Equal(t, 1, alloc.calls)
	assert.Equal(t, []settlement{{ack: true}, {ack: true}}, ack.settled)
}

func TestConsumer_RejectionIsDeadLettered(t *testing.T) {
	alloc := &fakeAllocator{err: &allocator.NotFoundError{Reason: allocator.ReasonNoFulfillableOrder, ID: 1}}
	dedup := newFakeDeduper()
	c := newTestConsumer(t, alloc, dedup)
	ack := &fakeAcknowledger{}

	result := c.handle(context.Background(), stockDelivery(t, ack, "msg-1"))

	assert.Equal(t, resultRejected, result)
	assert.Equal(t, []settlement{{ack: false, requeue: false}}, ack.settled)
	assert.True(t, dedup.claimed["msg-1"])
}

func TestConsumer_InternalFailureReleasesClaim(t *testing.T) {
	alloc := &fakeAllocator{err: &allocator.PersistenceError{Op: "commit", Err: errors.New("connection reset")}}
	dedup := newFakeDeduper()
	c := newTestConsumer(t, alloc, dedup)
	ack := &fakeAcknowledger{}

	result := c.handle(context.Background(), stockDelivery(t, ack, "msg-1"))

	assert.Equal(t, resultFailed, result)
	assert.Equal(t, []string{"msg-1"}, dedup.released)
	assert.Equal(t, []settlement{{ack: false, requeue: false}}, ack.settled)
}

func TestConsumer_DedupErrorRequeues(t *testing.T) {
	alloc := &fakeAllocator{}
	dedup := newFakeDeduper()
	dedup.err = errors.New("db down")
	c := newTestConsumer(t, alloc, dedup)
	ack := &fakeAcknowledger{}

	result := c.handle(context.Background(), stockDelivery(t, ack, "msg-1"))

	assert.Equal(t, resultRetry, result)
	assert.Zero(t, alloc.calls)
	assert.Equal(t, []settlement{{requeue: true}}, ack.settled)
}

func TestConsumer_MalformedMessages(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("{")},
		{"wrong type", []byte(`{"id":"x","type":"allocation.created","payload":{}}`)},
		{"bad payload", []byte(`{"id":"x","type":"stock.received","payload":"nope"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alloc := &fakeAllocator{}
			c := newTestConsumer(t, alloc, newFakeDeduper())
			ack := &fakeAcknowledger{}

			result := c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: tt.body})

			assert.Equal(t, resultMalformed, result)
			assert.Zero(t, alloc.calls)
			assert.Equal(t, []settlement{{}}, ack.settled)
		})
	}
}

func TestConsumer_FallsBackToEventID(t *testing.T) {
	dedup := newFakeDeduper()
	c := newTestConsumer(t, &fakeAllocator{}, dedup)
	ack := &fakeAcknowledger{}

	d := stockDelivery(t, ack, "")
	var event DomainEvent
	require.NoError(t, json.Unmarshal(d.Body, &event))

	c.handle(context.Background(), d)

	assert.True(t, dedup.claimed[event.ID])
}

func TestConsumer_StartWithoutConnection(t *testing.T) {
	c := newTestConsumer(t, &fakeAllocator{}, nil)
	assert.Error(t, c.Start())
	assert.Equal(t, "stock.received.dlq", c.DeadLetterQueue())
}

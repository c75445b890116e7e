package messaging

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"warehouse-allocator/internal/models"
)

// EventType represents the type of domain event. It doubles as the routing
// key on the exchange.
type EventType string

const (
	EventAllocationCreated EventType = "allocation.created"
	EventStockReceived     EventType = "stock.received"
)

// DomainEvent is the envelope for everything on the bus.
type DomainEvent struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	Key        string          `json:"key,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	TraceID    string          `json:"trace_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEvent wraps payload in an envelope with a fresh id. Key is the
// partitioning key for brokers that have one.
func NewEvent(eventType EventType, key string, payload interface{}) (*DomainEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &DomainEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    data,
	}, nil
}

// AllocationCreatedPayload is published after an allocation commits.
type AllocationCreatedPayload struct {
	Allocation *models.Allocation `json:"allocation"`
}

// StockReceivedPayload is the command consumed from the stock queue. Its
// fields are those of an HTTP allocation request.
type StockReceivedPayload struct {
	models.AllocationRequest
}

// NewAllocationCreated builds the event for a committed allocation, keyed by
// warehouse so one warehouse's events stay ordered.
func NewAllocationCreated(a *models.Allocation) (*DomainEvent, error) {
	return NewEvent(EventAllocationCreated, strconv.FormatInt(a.WarehouseID, 10), AllocationCreatedPayload{Allocation: a})
}

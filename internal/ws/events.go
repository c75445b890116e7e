package ws

import (
	"encoding/json"
	"time"

	"warehouse-allocator/internal/models"
)

// EventType represents the type of WebSocket event.
type EventType string

const (
	EventTypeSnapshot   EventType = "snapshot"
	EventTypeAllocation EventType = "allocation"
	EventTypeHeartbeat  EventType = "heartbeat"
)

// SnapshotEvent is sent once on connect with the warehouse's recent
// allocations, newest first.
type SnapshotEvent struct {
	Type        EventType           `json:"type"`
	Timestamp   time.Time           `json:"timestamp"`
	WarehouseID int64               `json:"idWarehouse"`
	Allocations []models.Allocation `json:"allocations"`
}

func NewSnapshotEvent(warehouseID int64, allocations []models.Allocation) *SnapshotEvent {
	if allocations == nil {
		allocations = []models.Allocation{}
	}
	return &SnapshotEvent{
		Type:        EventTypeSnapshot,
		Timestamp:   time.Now().UTC(),
		WarehouseID: warehouseID,
		Allocations: allocations,
	}
}

// AllocationEvent announces one committed allocation.
type AllocationEvent struct {
	Type        EventType          `json:"type"`
	Timestamp   time.Time          `json:"timestamp"`
	WarehouseID int64              `json:"idWarehouse"`
	Allocation  *models.Allocation `json:"allocation"`
}

func NewAllocationEvent(a *models.Allocation) *AllocationEvent {
	return &AllocationEvent{
		Type:        EventTypeAllocation,
		Timestamp:   time.Now().UTC(),
		WarehouseID: a.WarehouseID,
		Allocation:  a,
	}
}

// HeartbeatEvent is a periodic heartbeat message.
type HeartbeatEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  int64     `json:"sequence"`
}

func NewHeartbeatEvent(sequence int64) *HeartbeatEvent {
	return &HeartbeatEvent{
		Type:      EventTypeHeartbeat,
		Timestamp: time.Now().UTC(),
		Sequence:  sequence,
	}
}

// toJSON returns nil when v cannot be marshalled; the hub skips nil payloads.
func toJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

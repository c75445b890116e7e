package ws

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"warehouse-allocator/internal/metrics"
	"warehouse-allocator/internal/models"
)

type message struct {
	warehouseID int64 // 0 means every client
	data        []byte
}

// Hub fans allocation events out to the clients watching each warehouse.
// Register, unregister and broadcast all go through Run's loop.
type Hub struct {
	clients map[int64]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan message

	heartbeatInterval time.Duration
	heartbeatSeq      int64

	logger  *zap.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	done chan struct{}
}

// HubConfig holds configuration for the hub.
type HubConfig struct {
	HeartbeatInterval time.Duration // Heartbeat interval (default: 30s)
	BroadcastBuffer   int           // Pending broadcasts before dropping (default: 256)
}

// DefaultHubConfig returns default hub configuration.
func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		HeartbeatInterval: 30 * time.Second,
		BroadcastBuffer:   256,
	}
}

// NewHub creates a new Hub. m may be nil.
func NewHub(cfg *HubConfig, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if cfg == nil {
		cfg = DefaultHubConfig()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.BroadcastBuffer <= 0 {
		cfg.BroadcastBuffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Hub{
		clients:           make(map[int64]map[*Client]bool),
		register:          make(chan *Client),
		unregister:        make(chan *Client),
		broadcast:         make(chan message, cfg.BroadcastBuffer),
		heartbeatInterval: cfg.HeartbeatInterval,
		logger:            logger,
		metrics:           m,
		done:              make(chan struct{}),
	}
}

// Run starts the hub's main event loop and blocks until ctx is cancelled.
// On exit every client's send channel is closed.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("websocket hub stopped")
			return nil

		case <-ticker.C:
			h.heartbeatSeq++
			h.deliver(message{data: toJSON(NewHeartbeatEvent(h.heartbeatSeq))}, EventTypeHeartbeat)

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.warehouseID] == nil {
				h.clients[client.warehouseID] = make(map[*Client]bool)
			}
			h.clients[client.warehouseID][client] = true
			count := len(h.clients[client.warehouseID])
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.WSConnections.Inc()
			}
			h.logger.Debug("ws client registered",
				zap.String("client_id", client.id),
				zap.Int64("warehouse_id", client.warehouseID),
				zap.Int("clients", count),
			)

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			h.deliver(msg, EventTypeAllocation)
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.clients[client.warehouseID]
	if !ok {
		return
	}
	if _, exists := clients[client]; exists {
		delete(clients, client)
		close(client.send)
		if h.metrics != nil {
			h.metrics.WSConnections.Dec()
		}
		h.logger.Debug("ws client unregistered", zap.String("client_id", client.id))
	}
	if len(clients) == 0 {
		delete(h.clients, client.warehouseID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, clients := range h.clients {
		for client := range clients {
			close(client.send)
			if h.metrics != nil {
				h.metrics.WSConnections.Dec()
			}
		}
		delete(h.clients, id)
	}
}

// deliver sends msg without blocking; slow clients miss messages.
func (h *Hub) deliver(msg message, eventType EventType) {
	if msg.data == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	send := func(client *Client) {
		select {
		case client.send <- msg.data:
			if h.metrics != nil {
				h.metrics.RecordWSSent(string(eventType))
			}
		default:
			h.logger.Warn("ws client send buffer full, skipping", zap.String("client_id", client.id))
		}
	}

	if msg.warehouseID != 0 {
		for client := range h.clients[msg.warehouseID] {
			send(client)
		}
		return
	}
	for _, clients := range h.clients {
		for client := range clients {
			send(client)
		}
	}
}

// OnAllocated implements allocator.Listener.
func (h *Hub) OnAllocated(_ context.Context, a *models.Allocation) {
	h.BroadcastAllocation(a)
}

// BroadcastAllocation queues an allocation event for the warehouse's clients.
func (h *Hub) BroadcastAllocation(a *models.Allocation) {
	msg := message{warehouseID: a.WarehouseID, data: toJSON(NewAllocationEvent(a))}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws broadcast buffer full, dropping allocation", zap.Int64("allocation_id", a.ID))
	}
}

// Register adds a client. It is a no-op once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client. It is a no-op once the hub has stopped.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients for a warehouse.
func (h *Hub) ClientCount(warehouseID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[warehouseID])
}

// TotalClientCount returns the total number of connected clients.
func (h *Hub) TotalClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, clients := range h.clients {
		total += len(clients)
	}
	return total
}

package ws

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"warehouse-allocator/internal/middleware"
	"warehouse-allocator/internal/models"
)

const snapshotLimit = 50

// RecentFeed supplies the allocations sent as the initial snapshot.
type RecentFeed interface {
	GetRecentAllocations(ctx context.Context, warehouseID int64, limit int64) ([]models.Allocation, error)
}

// Handler provides HTTP handlers for WebSocket connections.
type Handler struct {
	hub      *Hub
	feed     RecentFeed
	limiter  *middleware.ConnectionLimiter
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. feed and limiter may be nil.
func NewHandler(hub *Hub, feed RecentFeed, limiter *middleware.ConnectionLimiter) *Handler {
	return &Handler{
		hub:     hub,
		feed:    feed,
		limiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleUpgrade upgrades GET /ws/warehouses/:id to a websocket streaming
// that warehouse's allocations. The first message is a snapshot.
func (h *Handler) HandleUpgrade(c *gin.Context) {
	warehouseID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || warehouseID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid warehouse id"})
		return
	}

	ip := c.ClientIP()
	if h.limiter != nil && !h.limiter.Acquire(ip) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
		return
	}
	release := func() {
		if h.limiter != nil {
			h.limiter.Release(ip)
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.logger.Warn("websocket upgrade failed", zap.Error(err))
		release()
		return
	}

	client := NewClient(h.hub, conn, warehouseID)
	client.send <- toJSON(NewSnapshotEvent(warehouseID, h.snapshot(c.Request.Context(), warehouseID)))

	if !h.hub.Register(client) {
		conn.Close()
		release()
		return
	}

	go client.WritePump()
	go client.ReadPump(release)
}

func (h *Handler) snapshot(ctx context.Context, warehouseID int64) []models.Allocation {
	if h.feed == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	allocations, err := h.feed.GetRecentAllocations(ctx, warehouseID, snapshotLimit)
	if err != nil {
		h.hub.logger.Warn("failed to load snapshot", zap.Int64("warehouse_id", warehouseID), zap.Error(err))
		return nil
	}
	return allocations
}

// HandleStats returns WebSocket connection statistics.
func (h *Handler) HandleStats(c *gin.Context) {
	if id := c.Query("warehouse"); id != "" {
		warehouseID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid warehouse id"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"idWarehouse": warehouseID,
			"connections": h.hub.ClientCount(warehouseID),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total_connections": h.hub.TotalClientCount(),
	})
}

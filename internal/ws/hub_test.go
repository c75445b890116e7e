package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warehouse-allocator/internal/middleware"
	"warehouse-allocator/internal/models"
)

type staticFeed struct {
	allocations []models.Allocation
}

func (f staticFeed) GetRecentAllocations(_ context.Context, warehouseID int64, _ int64) ([]models.Allocation, error) {
	var out []models.Allocation
	for _, a := range f.allocations {
		if a.WarehouseID == warehouseID {
			out = append(out, a)
		}
	}
	return out, nil
}

func allocation(id, warehouseID int64) *models.Allocation {
	return &models.Allocation{
		ID:          id,
		WarehouseID: warehouseID,
		ProductID:   1,
		OrderID:     id,
		Amount:      5,
		Price:       decimal.NewFromInt(50),
		CreatedAt:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

func startServer(t *testing.T, feed RecentFeed, limiter *middleware.ConnectionLimiter) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(&HubConfig{HeartbeatInterval: time.Hour}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()

	r := gin.New()
	r.GET("/ws/warehouses/:id", NewHandler(hub, feed, limiter).HandleUpgrade)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestHub_SnapshotThenAllocations(t *testing.T) {
	feed := staticFeed{allocations: []models.Allocation{*allocation(1, 2), *allocation(9, 3)}}
	hub, srv := startServer(t, feed, nil)

	conn := dial(t, srv, "/ws/warehouses/2")

	var snap SnapshotEvent
	readJSON(t, conn, &snap)
	assert.Equal(t, EventTypeSnapshot, snap.Type)
	assert.Equal(t, int64(2), snap.WarehouseID)
	require.Len(t, snap.Allocations, 1)
	assert.Equal(t, int64(1), snap.Allocations[0].ID)

	require.Eventually(t, func() bool { return hub.ClientCount(2) == 1 }, time.Second, 5*time.Millisecond)

	// Other warehouses are not delivered to this client.
	hub.OnAllocated(context.Background(), allocation(10, 3))
	hub.OnAllocated(context.Background(), allocation(11, 2))

	var event AllocationEvent
	readJSON(t, conn, &event)
	assert.Equal(t, EventTypeAllocation, event.Type)
	assert.Equal(t, int64(11), event.Allocation.ID)
}

func TestHub_UnregistersOnClose(t *testing.T) {
	hub, srv := startServer(t, nil, nil)

	conn := dial(t, srv, "/ws/warehouses/4")
	var snap SnapshotEvent
	readJSON(t, conn, &snap)
	assert.Empty(t, snap.Allocations)

	require.Eventually(t, func() bool { return hub.TotalClientCount() == 1 }, time.Second, 5*time.Millisecond)
	conn.Close()
	assert.Eventually(t, func() bool { return hub.TotalClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHandler_RejectsBadWarehouseID(t *testing.T) {
	_, srv := startServer(t, nil, nil)

	resp, err := http.Get(srv.URL + "/ws/warehouses/abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_ConnectionLimit(t *testing.T) {
	_, srv := startServer(t, nil, middleware.NewConnectionLimiter(1))

	dial(t, srv, "/ws/warehouses/1")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/warehouses/1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

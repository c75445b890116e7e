package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"warehouse-allocator/internal/middleware"
	"warehouse-allocator/internal/store"
)

// Pinger is any dependency with a liveness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionCounter reports live websocket connections.
type ConnectionCounter interface {
	TotalClientCount() int
}

// DedupStatsProvider reports consumer deduplication counters.
type DedupStatsProvider interface {
	GetStats(ctx context.Context) (*store.DedupStats, error)
}

// AdminDeps lists what the admin endpoints inspect. Store is required.
type AdminDeps struct {
	Store   Pinger
	Cache   Pinger
	Breaker *middleware.CircuitBreaker
	Hub     ConnectionCounter
	Dedup   DedupStatsProvider
}

// AdminHandler provides admin API endpoints.
type AdminHandler struct {
	deps AdminDeps
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(deps AdminDeps) *AdminHandler {
	return &AdminHandler{deps: deps}
}

// RegisterRoutes registers admin routes.
func (h *AdminHandler) RegisterRoutes(r *gin.Engine) {
	admin := r.Group("/admin")
	{
		admin.GET("/health", h.Health)
		admin.GET("/stats", h.Stats)
	}
}

const (
	statusHealthy       = "healthy"
	statusDegraded      = "degraded"
	statusUnhealthy     = "unhealthy"
	statusNotConfigured = "not configured"
)

// AdminHealthResponse represents health check response for admin.
type AdminHealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Services  map[string]string `json:"services"`
	System    SystemInfo        `json:"system"`
}

// SystemInfo contains system information.
type SystemInfo struct {
	GoVersion  string  `json:"go_version"`
	GoRoutines int     `json:"goroutines"`
	MemoryMB   float64 `json:"memory_mb"`
}

// Health reports 503 when the store is unreachable. Cache or broker trouble
// only degrades the status.
func (h *AdminHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	services := map[string]string{
		"store":  statusHealthy,
		"redis":  statusNotConfigured,
		"events": statusNotConfigured,
	}
	status := statusHealthy

	if err := h.deps.Store.Ping(ctx); err != nil {
		services["store"] = err.Error()
		status = statusUnhealthy
	}

	if h.deps.Cache != nil {
		services["redis"] = statusHealthy
		if err := h.deps.Cache.Ping(ctx); err != nil {
			services["redis"] = err.Error()
			if status == statusHealthy {
				status = statusDegraded
			}
		}
	}

	if h.deps.Breaker != nil {
		state := h.deps.Breaker.State()
		services["events"] = "circuit " + state.String()
		if state != middleware.CircuitClosed && status == statusHealthy {
			status = statusDegraded
		}
	}

	code := http.StatusOK
	if status == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, AdminHealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Services:  services,
		System: SystemInfo{
			GoVersion:  runtime.Version(),
			GoRoutines: runtime.NumGoroutine(),
			MemoryMB:   float64(getMemoryUsage()) / 1024 / 1024,
		},
	})
}

// Stats returns connection, breaker and deduplication counters.
func (h *AdminHandler) Stats(c *gin.Context) {
	stats := gin.H{
		"goroutines":         runtime.NumGoroutine(),
		"memory_usage_bytes": getMemoryUsage(),
	}

	if h.deps.Hub != nil {
		stats["websocket_connections"] = h.deps.Hub.TotalClientCount()
	}
	if h.deps.Breaker != nil {
		stats["circuit_breaker"] = h.deps.Breaker.Metrics()
	}
	if h.deps.Dedup != nil {
		dedup, err := h.deps.Dedup.GetStats(c.Request.Context())
		if err != nil {
			stats["dedup_error"] = err.Error()
		} else {
			stats["dedup"] = dedup
		}
	}

	c.JSON(http.StatusOK, stats)
}

// Global start time for uptime calculation
var startTime = time.Now()

// getMemoryUsage returns current memory usage in bytes.
func getMemoryUsage() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"warehouse-allocator/internal/allocator"
	"warehouse-allocator/internal/cache"
	"warehouse-allocator/internal/models"
)

const (
	// IdempotencyHeader lets a client retry a POST without allocating twice.
	IdempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"

	defaultIdempotencyTTL = 24 * time.Hour
	idempotencyLockTTL    = 30 * time.Second
	maxIdempotencyKeyLen  = 128
)

// Allocator is the allocation entry point used by the handlers. Notify runs
// the post-commit listeners for an allocation committed elsewhere.
type Allocator interface {
	Allocate(ctx context.Context, req models.AllocationRequest) (*models.Allocation, error)
	Notify(ctx context.Context, alloc *models.Allocation)
}

// ProcedureRunner runs an allocation through the database function. It
// returns an *allocator.NotFoundError when nothing could be fulfilled.
type ProcedureRunner interface {
	AddProductToWarehouseProc(ctx context.Context, req models.AllocationRequest) (*models.Allocation, error)
}

// IdempotencyStore persists responses keyed by Idempotency-Key. A key is
// locked while its first request runs.
type IdempotencyStore interface {
	GetIdempotentResponse(ctx context.Context, key string) (*cache.CachedResponse, error)
	SaveIdempotentResponse(ctx context.Context, key string, resp *cache.CachedResponse, ttl time.Duration) error
	LockIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	UnlockIdempotencyKey(ctx context.Context, key string) error
}

// RecentAllocations serves the per-warehouse feed.
type RecentAllocations interface {
	GetRecentAllocations(ctx context.Context, warehouseID int64, limit int64) ([]models.Allocation, error)
}

// AllocationRequestBody is the JSON body of both allocation endpoints. Ids
// are pointers so that only an absent id fails binding; 0 or a negative id
// is looked up like any other.
type AllocationRequestBody struct {
	ProductID   *int64    `json:"idProduct" binding:"required"`
	WarehouseID *int64    `json:"idWarehouse" binding:"required"`
	Amount      int       `json:"amount"`
	CreatedAt   time.Time `json:"createdAt" binding:"required"`
}

func (b *AllocationRequestBody) toRequest() models.AllocationRequest {
	return models.AllocationRequest{
		ProductID:   *b.ProductID,
		WarehouseID: *b.WarehouseID,
		Amount:      b.Amount,
		CreatedAt:   b.CreatedAt,
	}
}

// AllocationResponse is returned on a committed allocation.
type AllocationResponse struct {
	ProductWarehouseID int64 `json:"productWarehouseId"`
}

// WarehouseHandler serves the allocation endpoints.
type WarehouseHandler struct {
	allocator      Allocator
	procedure      ProcedureRunner
	idempotency    IdempotencyStore
	recent         RecentAllocations
	idempotencyTTL time.Duration
	logger         *zap.Logger
}

// NewWarehouseHandler creates the handler. procedure, idempotency and recent
// are optional.
func NewWarehouseHandler(alloc Allocator, procedure ProcedureRunner, idempotency IdempotencyStore, recent RecentAllocations, idempotencyTTL time.Duration, logger *zap.Logger) *WarehouseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idempotencyTTL <= 0 {
		idempotencyTTL = defaultIdempotencyTTL
	}
	return &WarehouseHandler{
		allocator:      alloc,
		procedure:      procedure,
		idempotency:    idempotency,
		recent:         recent,
		idempotencyTTL: idempotencyTTL,
		logger:         logger,
	}
}

// AddProduct handles POST /api/warehouse.
func (h *WarehouseHandler) AddProduct(c *gin.Context) {
	h.idempotent(c, func(req models.AllocationRequest) (int, interface{}) {
		alloc, err := h.allocator.Allocate(c.Request.Context(), req)
		if err != nil {
			return errorResponseFor(h.logger, c, err)
		}
		return http.StatusOK, AllocationResponse{ProductWarehouseID: alloc.ID}
	})
}

// AddProductWithProcedure handles POST /api/warehouse/procedure.
func (h *WarehouseHandler) AddProductWithProcedure(c *gin.Context) {
	if h.procedure == nil {
		AbortWithError(c, http.StatusNotImplemented, ErrCodeNotImplemented, "stored procedure requires the postgres store")
		return
	}

	h.idempotent(c, func(req models.AllocationRequest) (int, interface{}) {
		if req.Amount <= 0 {
			return http.StatusBadRequest, NewErrorResponse(ErrCodeInvalidAmount, string(allocator.ReasonInvalidAmount))
		}

		alloc, err := h.procedure.AddProductToWarehouseProc(c.Request.Context(), req)
		var notFound *allocator.NotFoundError
		switch {
		case errors.As(err, &notFound):
			return errorResponseFor(h.logger, c, notFound)
		case errors.Is(err, allocator.ErrWriteConflict):
			return errorResponseFor(h.logger, c, &allocator.ConflictError{Err: err})
		case err != nil:
			return errorResponseFor(h.logger, c, &allocator.PersistenceError{Op: "add_product_to_warehouse", Err: err})
		}

		h.allocator.Notify(c.Request.Context(), alloc)
		return http.StatusOK, AllocationResponse{ProductWarehouseID: alloc.ID}
	})
}

// idempotent binds the request body and runs fn, replaying a stored response
// when the Idempotency-Key was seen before. The key stays locked while fn
// runs; a second request with it gets 409 until the first one finishes.
// 5xx responses are not stored.
func (h *WarehouseHandler) idempotent(c *gin.Context, fn func(req models.AllocationRequest) (int, interface{})) {
	var body AllocationRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeValidationFailed, err.Error())
		return
	}

	key := c.GetHeader(IdempotencyHeader)
	if len(key) > maxIdempotencyKeyLen {
		AbortWithValidationError(c, IdempotencyHeader, "key is too long")
		return
	}
	if key == "" || h.idempotency == nil {
		c.JSON(fn(body.toRequest()))
		return
	}

	ctx := c.Request.Context()
	key = c.FullPath() + ":" + key
	if h.replay(c, key) {
		return
	}

	locked, err := h.idempotency.LockIdempotencyKey(ctx, key, idempotencyLockTTL)
	switch {
	case err != nil:
		h.logger.Warn("idempotency lock failed", zap.Error(err))
	case !locked:
		// The holder may have finished since the first lookup.
		if h.replay(c, key) {
			return
		}
		AbortWithError(c, http.StatusConflict, ErrCodeIdempotencyKeyInUse, "a request with this idempotency key is in progress")
		return
	default:
		defer func() {
			if err := h.idempotency.UnlockIdempotencyKey(context.WithoutCancel(ctx), key); err != nil {
				h.logger.Warn("idempotency unlock failed", zap.Error(err))
			}
		}()
	}

	status, resp := fn(body.toRequest())
	if status < http.StatusInternalServerError {
		h.save(ctx, key, status, resp)
	}
	c.JSON(status, resp)
}

// replay writes the response stored under key and reports whether there was
// one.
func (h *WarehouseHandler) replay(c *gin.Context, key string) bool {
	cached, err := h.idempotency.GetIdempotentResponse(c.Request.Context(), key)
	if err != nil {
		h.logger.Warn("idempotency lookup failed", zap.Error(err))
		return false
	}
	if cached == nil {
		return false
	}
	c.Header(replayedHeader, "true")
	c.Data(cached.Status, "application/json; charset=utf-8", cached.Body)
	return true
}

func (h *WarehouseHandler) save(ctx context.Context, key string, status int, resp interface{}) {
	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Warn("failed to encode idempotent response", zap.Error(err))
		return
	}
	if err := h.idempotency.SaveIdempotentResponse(ctx, key, &cache.CachedResponse{Status: status, Body: data}, h.idempotencyTTL); err != nil {
		h.logger.Warn("failed to store idempotent response", zap.Error(err))
	}
}

// RecentAllocations handles GET /api/warehouses/:id/allocations/recent.
func (h *WarehouseHandler) RecentAllocations(c *gin.Context) {
	warehouseID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || warehouseID <= 0 {
		AbortWithValidationError(c, "id", "invalid warehouse id")
		return
	}

	limit := int64(20)
	if l := c.Query("limit"); l != "" {
		n, err := strconv.ParseInt(l, 10, 64)
		if err != nil || n <= 0 || n > cache.DefaultRecentLimit {
			AbortWithValidationError(c, "limit", "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	if h.recent == nil {
		c.JSON(http.StatusOK, gin.H{"idWarehouse": warehouseID, "allocations": []models.Allocation{}, "count": 0})
		return
	}

	allocations, err := h.recent.GetRecentAllocations(c.Request.Context(), warehouseID, limit)
	if err != nil {
		h.logger.Error("failed to load recent allocations", zap.Int64("warehouse_id", warehouseID), zap.Error(err))
		AbortWithError(c, http.StatusInternalServerError, ErrCodeInternalError, string(allocator.ReasonInternal))
		return
	}
	if allocations == nil {
		allocations = []models.Allocation{}
	}

	c.JSON(http.StatusOK, gin.H{
		"idWarehouse": warehouseID,
		"allocations": allocations,
		"count":       len(allocations),
	})
}

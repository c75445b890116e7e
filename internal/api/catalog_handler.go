package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"warehouse-allocator/internal/models"
)

// Catalog is the read side of the store.
type Catalog interface {
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	ListProducts(ctx context.Context) ([]*models.Product, error)
	ListWarehouses(ctx context.Context) ([]*models.Warehouse, error)
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
}

type CatalogHandler struct {
	catalog Catalog
	logger  *zap.Logger
}

func NewCatalogHandler(catalog Catalog, logger *zap.Logger) *CatalogHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogHandler{catalog: catalog, logger: logger}
}

func (h *CatalogHandler) ListProducts(c *gin.Context) {
	products, err := h.catalog.ListProducts(c.Request.Context())
	if err != nil {
		h.internalError(c, "failed to list products", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"products": products,
		"count":    len(products),
	})
}

func (h *CatalogHandler) GetProduct(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	product, err := h.catalog.GetProduct(c.Request.Context(), id)
	if err != nil {
		h.internalError(c, "failed to get product", err)
		return
	}
	if product == nil {
		AbortWithError(c, http.StatusNotFound, ErrCodeProductNotFound, "product not found")
		return
	}

	c.JSON(http.StatusOK, product)
}

func (h *CatalogHandler) ListWarehouses(c *gin.Context) {
	warehouses, err := h.catalog.ListWarehouses(c.Request.Context())
	if err != nil {
		h.internalError(c, "failed to list warehouses", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"warehouses": warehouses,
		"count":      len(warehouses),
	})
}

// GetOrder shows an order including its fulfillment time.
func (h *CatalogHandler) GetOrder(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	order, err := h.catalog.GetOrder(c.Request.Context(), id)
	if err != nil {
		h.internalError(c, "failed to get order", err)
		return
	}
	if order == nil {
		AbortWithError(c, http.StatusNotFound, ErrCodeNotFound, "order not found")
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *CatalogHandler) internalError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, zap.Error(err))
	AbortWithError(c, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		AbortWithError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid id")
		return 0, false
	}
	return id, true
}

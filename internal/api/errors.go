package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"warehouse-allocator/internal/allocator"
	"warehouse-allocator/internal/middleware"
)

// ErrorResponse represents a standardized error response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// ErrorCode defines standard error codes.
type ErrorCode string

const (
	// Validation errors (4xx)
	ErrCodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrCodeValidationFailed    ErrorCode = "VALIDATION_FAILED"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeIdempotencyKeyInUse ErrorCode = "IDEMPOTENCY_KEY_IN_USE"

	// Server errors (5xx)
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodeNotImplemented ErrorCode = "NOT_IMPLEMENTED"

	// Allocation outcomes
	ErrCodeInvalidAmount         ErrorCode = "INVALID_AMOUNT"
	ErrCodeProductNotFound       ErrorCode = "PRODUCT_NOT_FOUND"
	ErrCodeWarehouseNotFound     ErrorCode = "WAREHOUSE_NOT_FOUND"
	ErrCodeOrderNotFound         ErrorCode = "ORDER_NOT_FOUND"
	ErrCodeOrderAlreadyFulfilled ErrorCode = "ORDER_ALREADY_FULFILLED"
)

// NewErrorResponse creates a new error response.
func NewErrorResponse(code ErrorCode, message string) *ErrorResponse {
	return &ErrorResponse{
		Error:   string(code),
		Message: message,
		Code:    string(code),
	}
}

// AbortWithError aborts the request with a standardized error response.
func AbortWithError(c *gin.Context, status int, code ErrorCode, message string) {
	c.AbortWithStatusJSON(status, NewErrorResponse(code, message))
}

// AbortWithValidationError aborts with a field-level validation failure.
func AbortWithValidationError(c *gin.Context, field, message string) {
	resp := NewErrorResponse(ErrCodeValidationFailed, "Validation failed")
	resp.Details = map[string]string{field: message}
	c.AbortWithStatusJSON(http.StatusBadRequest, resp)
}

type reasonMapping struct {
	status int
	code   ErrorCode
}

var reasonMappings = map[allocator.Reason]reasonMapping{
	allocator.ReasonInvalidAmount:      {http.StatusBadRequest, ErrCodeInvalidAmount},
	allocator.ReasonProductNotFound:    {http.StatusNotFound, ErrCodeProductNotFound},
	allocator.ReasonWarehouseNotFound:  {http.StatusNotFound, ErrCodeWarehouseNotFound},
	allocator.ReasonNoFulfillableOrder: {http.StatusNotFound, ErrCodeOrderNotFound},
	allocator.ReasonAlreadyFulfilled:   {http.StatusConflict, ErrCodeOrderAlreadyFulfilled},
	allocator.ReasonInternal:           {http.StatusInternalServerError, ErrCodeInternalError},
}

// StatusFor returns the HTTP status and error code for an allocation error.
func StatusFor(err error) (int, ErrorCode) {
	m, ok := reasonMappings[allocator.ReasonOf(err)]
	if !ok {
		return http.StatusInternalServerError, ErrCodeInternalError
	}
	return m.status, m.code
}

// errorResponseFor builds the response for an allocation error. Internal
// causes are logged and never returned to the client.
func errorResponseFor(logger *zap.Logger, c *gin.Context, err error) (int, *ErrorResponse) {
	status, code := StatusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.Error(err),
		)
		return status, NewErrorResponse(code, string(allocator.ReasonInternal))
	}
	return status, NewErrorResponse(code, string(allocator.ReasonOf(err)))
}

package trading

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/ksred/tradeguard-api/internal/types"
	"github.com/ksred/tradeguard-api/pkg/metrics"
	"github.com/ksred/tradeguard-api/pkg/response"
)

// KillSwitchChecker is the pre-trade check consulted before any submission.
type KillSwitchChecker interface {
	IsActive(ctx context.Context, tenantID string) (bool, error)
}

// GinHandlers contains HTTP handlers for order submission endpoints
type GinHandlers struct {
	service    *Service
	killSwitch KillSwitchChecker
}

// NewGinHandlers creates a new set of HTTP handlers for order submission
func NewGinHandlers(service *Service, killSwitch KillSwitchChecker) *GinHandlers {
	return &GinHandlers{
		service:    service,
		killSwitch: killSwitch,
	}
}

type submitOrderRequest struct {
	types.OrderRequest
	ExchangeID string `json:"exchange_id" binding:"required"`
}

// SubmitOrderHandler handles POST requests to submit an order idempotently.
// Submissions are refused while the tenant's kill switch is active.
func (h *GinHandlers) SubmitOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetString("clientID")
		if tenantID == "" {
			response.Unauthorized(c, "Missing tenant identity")
			return
		}

		var req submitOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		active, err := h.killSwitch.IsActive(c.Request.Context(), tenantID)
		if err != nil {
			response.InternalError(c, "Pre-trade check failed")
			return
		}
		if active {
			metrics.OrdersBlocked.Inc()
			response.Locked(c, "Trading is halted: kill switch is active")
			return
		}

		result, err := h.service.SubmitOrderIdempotently(c.Request.Context(), tenantID, &req.OrderRequest, req.ExchangeID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, result)
	}
}

// GetIdempotentResultHandler handles GET requests polling for a key's result
func (h *GinHandlers) GetIdempotentResultHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetString("clientID")
		if tenantID == "" {
			response.Unauthorized(c, "Missing tenant identity")
			return
		}

		key := c.Param("key")
		result, err := h.service.GetIdempotentResult(c.Request.Context(), tenantID, key)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if result == nil {
			response.NotFound(c, "No submission found for idempotency key")
			return
		}
		response.Success(c, result)
	}
}

// GetOrderHandler handles GET requests for a single order by ID
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		order, err := h.service.db.GetOrder(c.Request.Context(), orderID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if order == nil {
			response.NotFound(c, "Order not found")
			return
		}
		response.Success(c, order)
	}
}

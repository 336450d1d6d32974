package killswitch

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/tradeguard-api/pkg/response"
)

// GinHandlers contains HTTP handlers for kill switch endpoints
type GinHandlers struct {
	engine *Engine
}

// NewGinHandlers creates a new set of HTTP handlers for kill switch endpoints
func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{
		engine: engine,
	}
}

type activateRequest struct {
	Reason  string `json:"reason" binding:"required"`
	Scope   Scope  `json:"scope,omitempty"`
	ScopeID string `json:"scope_id,omitempty"`
}

// ActivateHandler handles POST requests to activate the kill switch manually
func (h *GinHandlers) ActivateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenant_id")

		var req activateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		result, err := h.engine.Activate(c.Request.Context(), tenantID, req.Reason, ActivateOptions{
			Scope:       req.Scope,
			ScopeID:     req.ScopeID,
			ActivatedBy: c.GetString("clientID"),
			TriggerType: TriggerManual,
		})
		if errors.Is(err, ErrReasonRequired) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, result, err)
	}
}

type deactivateRequest struct {
	AuthToken string `json:"auth_token"`
}

// DeactivateHandler handles POST requests to deactivate the kill switch.
// Deactivation is always manual and requires an auth token.
func (h *GinHandlers) DeactivateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenant_id")

		var req deactivateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		state, err := h.engine.Deactivate(c.Request.Context(), tenantID, req.AuthToken, c.GetString("clientID"), nil)
		switch {
		case errors.Is(err, ErrAuthenticationRequired):
			response.Unauthorized(c, err.Error())
		case errors.Is(err, ErrInvalidState):
			response.InvalidState(c, err.Error())
		default:
			response.Handle(c, state, err)
		}
	}
}

// GetStateHandler handles GET requests for the current kill switch state
func (h *GinHandlers) GetStateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenant_id")
		state, err := h.engine.GetState(c.Request.Context(), tenantID)
		response.Handle(c, state, err)
	}
}

// IsActiveHandler handles GET requests for the fast pre-trade active check
func (h *GinHandlers) IsActiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenant_id")
		active, err := h.engine.IsActive(c.Request.Context(), tenantID)
		response.Handle(c, gin.H{"tenant_id": tenantID, "active": active}, err)
	}
}

// RiskEventHandler handles POST requests feeding risk events into the
// auto-trigger evaluator
func (h *GinHandlers) RiskEventHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenant_id")

		var event RiskEvent
		if err := c.ShouldBindJSON(&event); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		triggered, err := h.engine.CheckAutoTriggers(c.Request.Context(), tenantID, event, ActivateOptions{})
		response.Handle(c, gin.H{"tenant_id": tenantID, "triggered": triggered}, err)
	}
}

// GetConfigHandler handles GET requests for the tenant's kill switch config
func (h *GinHandlers) GetConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenant_id")
		cfg, err := h.engine.GetConfig(c.Request.Context(), tenantID)
		response.Handle(c, cfg, err)
	}
}

// AddTriggerHandler handles POST requests adding an auto trigger
func (h *GinHandlers) AddTriggerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenant_id")

		var trigger AutoTrigger
		if err := c.ShouldBindJSON(&trigger); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		cfg, err := h.engine.AddAutoTrigger(c.Request.Context(), tenantID, trigger)
		handleConfigResult(c, cfg, err)
	}
}

// RemoveTriggerHandler handles DELETE requests removing an auto trigger
func (h *GinHandlers) RemoveTriggerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenant_id")
		triggerID := c.Param("trigger_id")

		cfg, err := h.engine.RemoveAutoTrigger(c.Request.Context(), tenantID, triggerID)
		handleConfigResult(c, cfg, err)
	}
}

type enableTriggerRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetTriggerEnabledHandler handles PATCH requests enabling or disabling a trigger
func (h *GinHandlers) SetTriggerEnabledHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenant_id")
		triggerID := c.Param("trigger_id")

		var req enableTriggerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		cfg, err := h.engine.SetAutoTriggerEnabled(c.Request.Context(), tenantID, triggerID, *req.Enabled)
		handleConfigResult(c, cfg, err)
	}
}

// EventsHandler handles GET requests for the kill switch audit trail
func (h *GinHandlers) EventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenant_id")
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

		events, err := h.engine.Events(c.Request.Context(), tenantID, limit)
		response.Handle(c, events, err)
	}
}

func handleConfigResult(c *gin.Context, cfg *Config, err error) {
	switch {
	case errors.Is(err, ErrTriggerNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrConfigConflict):
		response.Conflict(c, err.Error())
	default:
		response.Handle(c, cfg, err)
	}
}

package types

import (
	"time"

	"gorm.io/gorm"
)

// Order is the durable record of an order that reached an exchange. Orders are
// keyed by the idempotency key they were submitted under so that a retried
// submission can be answered from the store without touching the exchange.
type Order struct {
	gorm.Model     `json:"-"`
	OrderID        string    `gorm:"uniqueIndex" json:"order_id"`
	TenantID       string    `gorm:"index:idx_orders_tenant_key,unique" json:"tenant_id"`
	IdempotencyKey string    `gorm:"index:idx_orders_tenant_key,unique" json:"idempotency_key"`
	ExchangeID     string    `json:"exchange_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`       // BUY or SELL
	OrderType      string    `json:"order_type"` // MARKET or LIMIT
	Quantity       float64   `json:"quantity"`
	Price          float64   `json:"price"`
	Status         string    `json:"status"` // SUBMITTED, FILLED, CANCELLED, REJECTED
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// OrderRequest is a caller's order-placement request. IdempotencyKey is
// optional; the submission service generates one when it is absent.
type OrderRequest struct {
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	Symbol         string  `json:"symbol" binding:"required"`
	Side           string  `json:"side" binding:"required"`
	OrderType      string  `json:"order_type" binding:"required"`
	Quantity       float64 `json:"quantity" binding:"required,gt=0"`
	Price          float64 `json:"price"`
	StrategyID     string  `json:"strategy_id,omitempty"`
}

// OrderResponse is what callers get back for a submission, whether it came
// from a live exchange call or from a previously recorded result.
type OrderResponse struct {
	OrderID        string    `json:"order_id"`
	ExchangeID     string    `json:"exchange_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	OrderType      string    `json:"order_type"`
	Quantity       float64   `json:"quantity"`
	Price          float64   `json:"price"`
	Status         string    `json:"status"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// ResponseFromOrder converts a stored order back into the response shape used
// for idempotent replies.
func ResponseFromOrder(o *Order) *OrderResponse {
	return &OrderResponse{
		OrderID:        o.OrderID,
		ExchangeID:     o.ExchangeID,
		IdempotencyKey: o.IdempotencyKey,
		Symbol:         o.Symbol,
		Side:           o.Side,
		OrderType:      o.OrderType,
		Quantity:       o.Quantity,
		Price:          o.Price,
		Status:         o.Status,
		SubmittedAt:    o.CreatedAt,
	}
}

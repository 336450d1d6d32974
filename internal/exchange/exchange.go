package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/tradeguard-api/internal/types"
	"github.com/rs/zerolog/log"
)

// Adapter is the contract an exchange integration implements for the
// idempotent submission service.
type Adapter interface {
	// SubmitOrder places the order at the exchange.
	SubmitOrder(ctx context.Context, tenantID string, req *types.OrderRequest) (*types.OrderResponse, error)
	// SupportsIdempotency reports whether the exchange deduplicates on the
	// idempotency key itself.
	SupportsIdempotency() bool
}

// IdempotencyLookup is optionally implemented by adapters whose exchange can
// be asked directly whether an order already exists for a key. The submission
// service uses it to recover results whose response was lost in transit.
type IdempotencyLookup interface {
	// GetOrderByIdempotencyKey returns the existing order for the key, or
	// nil when the exchange has none.
	GetOrderByIdempotencyKey(ctx context.Context, tenantID, key string) (*types.OrderResponse, error)
}

// MockExchange simulates an exchange venue with configurable latency and
// reliability. It remembers orders by idempotency key, so it supports the
// direct-lookup recovery path.
type MockExchange struct {
	ID          string
	Name        string
	MinLatency  int // in milliseconds
	MaxLatency  int
	SuccessRate float64 // 0-1, probability of successful execution
	FeeRate     float64 // percentage of transaction value

	mu     sync.RWMutex
	orders map[string]*types.OrderResponse // keyed by idempotency key
}

// NewMockExchange creates a mock venue.
func NewMockExchange(id, name string, minLatency, maxLatency int, successRate, feeRate float64) *MockExchange {
	return &MockExchange{
		ID:          id,
		Name:        name,
		MinLatency:  minLatency,
		MaxLatency:  maxLatency,
		SuccessRate: successRate,
		FeeRate:     feeRate,
		orders:      make(map[string]*types.OrderResponse),
	}
}

// DefaultMockExchanges returns the standard simulated venue set.
func DefaultMockExchanges() []*MockExchange {
	return []*MockExchange{
		NewMockExchange("EXCH1", "Primary Exchange", 5, 30, 0.95, 0.001),
		NewMockExchange("EXCH2", "Secondary Exchange", 10, 50, 0.90, 0.0008),
		NewMockExchange("EXCH3", "Regional Exchange", 15, 70, 0.85, 0.0005),
	}
}

// SubmitOrder simulates order placement with latency and a failure rate.
func (e *MockExchange) SubmitOrder(ctx context.Context, tenantID string, req *types.OrderRequest) (*types.OrderResponse, error) {
	logger := log.With().
		Str("exchange_id", e.ID).
		Str("tenant_id", tenantID).
		Str("idempotency_key", req.IdempotencyKey).
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Logger()

	logger.Info().Msg("attempting to submit order")

	// Simulate random latency
	latency := rand.Intn(e.MaxLatency-e.MinLatency+1) + e.MinLatency
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(latency) * time.Millisecond):
	}

	if rand.Float64() > e.SuccessRate {
		logger.Warn().
			Float64("success_rate", e.SuccessRate).
			Msg("order submission failed due to success rate threshold")
		return nil, fmt.Errorf("submission failed on exchange %s", e.ID)
	}

	resp := &types.OrderResponse{
		OrderID:        uuid.New().String(),
		ExchangeID:     e.ID,
		IdempotencyKey: req.IdempotencyKey,
		Symbol:         req.Symbol,
		Side:           req.Side,
		OrderType:      req.OrderType,
		Quantity:       req.Quantity,
		Price:          req.Price,
		Status:         "SUBMITTED",
		SubmittedAt:    time.Now(),
	}

	e.mu.Lock()
	e.orders[idemKey(tenantID, req.IdempotencyKey)] = resp
	e.mu.Unlock()

	logger.Info().
		Str("order_id", resp.OrderID).
		Msg("order submitted successfully on exchange")

	return resp, nil
}

// SupportsIdempotency reports that the mock venue deduplicates on key.
func (e *MockExchange) SupportsIdempotency() bool {
	return true
}

// GetOrderByIdempotencyKey returns the venue's order for a key, or nil.
func (e *MockExchange) GetOrderByIdempotencyKey(ctx context.Context, tenantID, key string) (*types.OrderResponse, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if resp, ok := e.orders[idemKey(tenantID, key)]; ok {
		return resp, nil
	}
	return nil, nil
}

func idemKey(tenantID, key string) string {
	return tenantID + ":" + key
}

// Registry maps (tenant, exchange) pairs to adapters. It is an explicitly
// constructed object injected into the submission service; nothing in this
// package holds process-wide mutable state.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register binds an adapter to a tenant and exchange. An empty tenantID
// registers a default adapter for the exchange shared by all tenants.
func (r *Registry) Register(tenantID, exchangeID string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[registryKey(tenantID, exchangeID)] = adapter
}

// Resolve returns the adapter for a tenant and exchange, falling back to the
// exchange's default registration.
func (r *Registry) Resolve(tenantID, exchangeID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if adapter, ok := r.adapters[registryKey(tenantID, exchangeID)]; ok {
		return adapter, true
	}
	adapter, ok := r.adapters[registryKey("", exchangeID)]
	return adapter, ok
}

func registryKey(tenantID, exchangeID string) string {
	return tenantID + ":" + exchangeID
}

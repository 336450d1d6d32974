package trading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ksred/tradeguard-api/internal/exchange"
	"github.com/ksred/tradeguard-api/internal/idempotency"
	"github.com/ksred/tradeguard-api/internal/types"
	"github.com/ksred/tradeguard-api/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service submits orders with at-most-once semantics. Every submission is
// tracked in the idempotency ledger; retries under the same key are answered
// from the order store or the ledger instead of reaching the exchange again.
type Service struct {
	db       *Database
	ledger   *idempotency.Ledger
	registry *exchange.Registry
}

// NewService creates a submission service. The adapter registry is injected;
// the service holds no process-wide adapter state.
func NewService(gormDB *gorm.DB, ledger *idempotency.Ledger, registry *exchange.Registry) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		ledger:   ledger,
		registry: registry,
	}
}

// SubmitOrderIdempotently places an order at an exchange exactly once per
// idempotency key. Duplicate requests return the original response; requests
// racing an in-flight submission are told to wait; a FAILED or expired key
// may be retried.
func (s *Service) SubmitOrderIdempotently(ctx context.Context, tenantID string, req *types.OrderRequest, exchangeID string) (*SubmissionResult, error) {
	// Resolve the idempotency key before any store access.
	key := req.IdempotencyKey
	if key == "" {
		key = idempotency.GenerateKey("ord")
	} else if !idempotency.IsValidKey(key) {
		return failure(key, ErrCodeInvalidIdempotencyKey,
			fmt.Sprintf("idempotency key must be 1-%d characters of [A-Za-z0-9_-]", idempotency.MaxKeyLength)), nil
	}
	req.IdempotencyKey = key

	logger := log.With().
		Str("component", "order_submission").
		Str("tenant_id", tenantID).
		Str("exchange_id", exchangeID).
		Str("idempotency_key", key).
		Logger()

	// A stored order for this key is the canonical answer.
	if order, err := s.db.GetOrderByIdempotencyKey(ctx, tenantID, key); err != nil {
		return nil, err
	} else if order != nil {
		logger.Info().Str("order_id", order.OrderID).Msg("returning idempotent response from order store")
		metrics.IdempotentHits.WithLabelValues("order_store").Inc()
		return &SubmissionResult{
			Success:              true,
			IsIdempotentResponse: true,
			IdempotencyKey:       key,
			Response:             types.ResponseFromOrder(order),
		}, nil
	}

	// Consult the ledger. Expired records read as absent; FAILED falls
	// through to a fresh attempt.
	record, err := s.ledger.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if record != nil {
		if record.InProgress() {
			logger.Info().Str("status", string(record.Status)).Msg("submission already in progress")
			return failure(key, ErrCodeSubmissionInProgress, "submission already in progress"), nil
		}
		if record.Status == idempotency.StatusCompleted {
			resp, derr := decodeResponse(record.Response)
			if derr != nil {
				return nil, derr
			}
			logger.Info().Msg("returning idempotent response from ledger")
			metrics.IdempotentHits.WithLabelValues("ledger").Inc()
			return &SubmissionResult{
				Success:              true,
				IsIdempotentResponse: true,
				IdempotencyKey:       key,
				Response:             resp,
			}, nil
		}
	}

	// Claim the key. The create is an atomic create-if-absent, so of two
	// racing callers exactly one proceeds past this point.
	if _, err := s.ledger.Create(ctx, tenantID, key, exchangeID); err != nil {
		if errors.Is(err, idempotency.ErrRecordExists) {
			logger.Info().Msg("lost key claim race, submission already in progress")
			return failure(key, ErrCodeSubmissionInProgress, "submission already in progress"), nil
		}
		return nil, err
	}
	if err := s.ledger.UpdateStatus(ctx, tenantID, key, idempotency.StatusSubmitted, "", nil); err != nil {
		return nil, err
	}

	adapter, ok := s.registry.Resolve(tenantID, exchangeID)
	if !ok {
		s.markFailed(ctx, tenantID, key, logger)
		metrics.SubmissionFailures.WithLabelValues("adapter_not_found").Inc()
		return failure(key, ErrCodeAdapterNotFound,
			fmt.Sprintf("no exchange adapter registered for %s", exchangeID)), nil
	}

	// If the exchange can answer "do you already have this key" directly,
	// ask before submitting. This recovers orders whose response was lost
	// after reaching the exchange.
	if adapter.SupportsIdempotency() {
		if lookup, ok := adapter.(exchange.IdempotencyLookup); ok {
			existing, lerr := lookup.GetOrderByIdempotencyKey(ctx, tenantID, key)
			if lerr != nil {
				logger.Warn().Err(lerr).Msg("exchange idempotency lookup failed, proceeding with submission")
			} else if existing != nil {
				logger.Info().Str("order_id", existing.OrderID).Msg("exchange already holds order for key")
				metrics.IdempotentHits.WithLabelValues("exchange").Inc()
				if err := s.complete(ctx, tenantID, key, existing); err != nil {
					return nil, err
				}
				return &SubmissionResult{
					Success:              true,
					IsIdempotentResponse: true,
					IdempotencyKey:       key,
					Response:             existing,
				}, nil
			}
		}
	}

	resp, serr := adapter.SubmitOrder(ctx, tenantID, req)
	if serr != nil {
		logger.Warn().Err(serr).Msg("exchange submission failed")
		s.markFailed(ctx, tenantID, key, logger)
		metrics.SubmissionFailures.WithLabelValues("exchange_error").Inc()
		return failure(key, ErrCodeSubmissionFailed, serr.Error()), nil
	}

	if err := s.complete(ctx, tenantID, key, resp); err != nil {
		return nil, err
	}

	logger.Info().Str("order_id", resp.OrderID).Msg("order submitted")
	return &SubmissionResult{
		Success:        true,
		IdempotencyKey: key,
		Response:       resp,
	}, nil
}

// GetIdempotentResult is the pure lookup variant for polling clients. It
// returns nil when the key was never submitted.
func (s *Service) GetIdempotentResult(ctx context.Context, tenantID, key string) (*SubmissionResult, error) {
	if order, err := s.db.GetOrderByIdempotencyKey(ctx, tenantID, key); err != nil {
		return nil, err
	} else if order != nil {
		return &SubmissionResult{
			Success:              true,
			IsIdempotentResponse: true,
			IdempotencyKey:       key,
			Response:             types.ResponseFromOrder(order),
		}, nil
	}

	record, err := s.ledger.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	if record.InProgress() {
		return failure(key, ErrCodeSubmissionInProgress, "submission already in progress"), nil
	}
	if record.Status == idempotency.StatusCompleted {
		resp, derr := decodeResponse(record.Response)
		if derr != nil {
			return nil, derr
		}
		return &SubmissionResult{
			Success:              true,
			IsIdempotentResponse: true,
			IdempotencyKey:       key,
			Response:             resp,
		}, nil
	}
	return failure(key, ErrCodeSubmissionFailed, "submission failed, retry permitted"), nil
}

// CancelPendingOrders is the order-cancellation hook handed to the kill
// switch engine.
func (s *Service) CancelPendingOrders(ctx context.Context, tenantID string) (int, error) {
	n, err := s.db.CancelPendingOrders(ctx, tenantID)
	return int(n), err
}

// complete persists the order, marks the ledger record COMPLETED with the
// response, and leaves the response immutable from then on.
func (s *Service) complete(ctx context.Context, tenantID, key string, resp *types.OrderResponse) error {
	order := &types.Order{
		OrderID:        resp.OrderID,
		TenantID:       tenantID,
		IdempotencyKey: key,
		ExchangeID:     resp.ExchangeID,
		Symbol:         resp.Symbol,
		Side:           resp.Side,
		OrderType:      resp.OrderType,
		Quantity:       resp.Quantity,
		Price:          resp.Price,
		Status:         resp.Status,
	}
	if err := s.db.CreateOrder(ctx, order); err != nil {
		return err
	}

	encoded, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.ledger.UpdateStatus(ctx, tenantID, key, idempotency.StatusCompleted, resp.OrderID, encoded)
}

func (s *Service) markFailed(ctx context.Context, tenantID, key string, logger zerolog.Logger) {
	if err := s.ledger.UpdateStatus(ctx, tenantID, key, idempotency.StatusFailed, "", nil); err != nil {
		logger.Error().Err(err).Msg("failed to mark idempotency record FAILED")
	}
}

func decodeResponse(data []byte) (*types.OrderResponse, error) {
	var resp types.OrderResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("corrupt idempotency response payload: %w", err)
	}
	return &resp, nil
}

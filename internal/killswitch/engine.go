package killswitch

import (
	"context"
	"sync"
	"time"

	"github.com/ksred/tradeguard-api/pkg/metrics"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Engine owns the kill switch lifecycle: manual and automatic activation,
// authenticated deactivation, fast-path active checks and auto-trigger
// evaluation against incoming risk events.
//
// Per-tenant transitions are serialized by a keyed mutex around the state
// check, with the store's conditional writes as the backstop. External side
// effects (order cancellation, alerts) never run while the lock is held:
// state is persisted first, best-effort side effects follow.
type Engine struct {
	db    *Database
	cache ActiveCache

	// Defaults used when a call does not supply its own callbacks.
	cancelOrders CancelOrdersFunc
	alert        AlertFunc

	mu          sync.Mutex
	tenantLocks map[string]*sync.Mutex
}

// NewEngine creates an engine. cancelOrders and alert may be nil; they can
// also be supplied per call via ActivateOptions.
func NewEngine(gormDB *gorm.DB, cache ActiveCache, cancelOrders CancelOrdersFunc, alert AlertFunc) *Engine {
	if cache == nil {
		cache = NewMemoryCache(0)
	}
	return &Engine{
		db:           NewDatabase(gormDB),
		cache:        cache,
		cancelOrders: cancelOrders,
		alert:        alert,
		tenantLocks:  make(map[string]*sync.Mutex),
	}
}

func (e *Engine) tenantLock(tenantID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lk, ok := e.tenantLocks[tenantID]
	if !ok {
		lk = &sync.Mutex{}
		e.tenantLocks[tenantID] = lk
	}
	return lk
}

// ActivateOptions carries the optional parts of an activation.
type ActivateOptions struct {
	Scope        Scope
	ScopeID      string
	ActivatedBy  string
	TriggerType  TriggerType
	CancelOrders CancelOrdersFunc
	Alert        AlertFunc
}

// Activate halts trading for a tenant. Re-activating an already-active switch
// is an idempotent no-op that returns the existing state unchanged with
// OrdersCancelled=0 and no side effects.
func (e *Engine) Activate(ctx context.Context, tenantID, reason string, opts ActivateOptions) (*ActivationResult, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}
	if opts.Scope == "" {
		opts.Scope = ScopeTenant
	}
	if opts.TriggerType == "" {
		opts.TriggerType = TriggerManual
	}

	logger := log.With().
		Str("component", "kill_switch").
		Str("tenant_id", tenantID).
		Str("trigger_type", string(opts.TriggerType)).
		Logger()

	now := time.Now()
	state := &State{
		TenantID:         tenantID,
		Active:           true,
		ActivatedAt:      &now,
		ActivatedBy:      opts.ActivatedBy,
		ActivationReason: reason,
		TriggerType:      opts.TriggerType,
		Scope:            opts.Scope,
		ScopeID:          opts.ScopeID,
	}

	lk := e.tenantLock(tenantID)
	lk.Lock()

	current, err := e.db.GetState(ctx, tenantID)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	if current != nil && current.Active {
		lk.Unlock()
		logger.Info().Msg("kill switch already active, activation is a no-op")
		return &ActivationResult{State: current, OrdersCancelled: 0, AlertSent: false}, nil
	}

	won, persisted, err := e.db.TryActivate(ctx, state)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	if !won {
		lk.Unlock()
		logger.Info().Msg("lost activation race, returning existing state")
		return &ActivationResult{State: persisted, OrdersCancelled: 0, AlertSent: false}, nil
	}

	e.cache.SetActive(ctx, tenantID, true)
	lk.Unlock()

	logger.Warn().
		Str("reason", reason).
		Str("scope", string(opts.Scope)).
		Str("activated_by", opts.ActivatedBy).
		Msg("kill switch activated")
	metrics.KillSwitchActivations.WithLabelValues(string(opts.TriggerType)).Inc()

	// Side effects run outside the lock. Cancellation failures leave the
	// switch active; the halt matters more than the count.
	cancelled := 0
	cancelFn := opts.CancelOrders
	if cancelFn == nil {
		cancelFn = e.cancelOrders
	}
	if cancelFn != nil {
		n, cerr := cancelFn(ctx, tenantID, opts.Scope, opts.ScopeID)
		if cerr != nil {
			logger.Error().Err(cerr).Msg("order cancellation callback failed")
		} else {
			cancelled = n
			if uerr := e.db.RecordCancelledCount(ctx, tenantID, cancelled); uerr != nil {
				logger.Error().Err(uerr).Msg("failed to record cancelled order count")
			} else {
				persisted.PendingOrdersCancelled = cancelled
			}
		}
	}

	kind := AlertActivated
	if opts.TriggerType == TriggerAutomatic {
		kind = AlertAutoTriggered
	}
	e.appendEvent(ctx, &Event{
		TenantID:        tenantID,
		Kind:            kind,
		Reason:          reason,
		TriggerType:     opts.TriggerType,
		Scope:           opts.Scope,
		ScopeID:         opts.ScopeID,
		Actor:           opts.ActivatedBy,
		OrdersCancelled: cancelled,
	})

	alertSent := e.dispatchAlert(ctx, opts.Alert, Alert{
		Kind:            kind,
		TenantID:        tenantID,
		Reason:          reason,
		TriggerType:     opts.TriggerType,
		Scope:           opts.Scope,
		ScopeID:         opts.ScopeID,
		ActivatedBy:     opts.ActivatedBy,
		OrdersCancelled: cancelled,
		Timestamp:       now,
	})

	return &ActivationResult{State: persisted, OrdersCancelled: cancelled, AlertSent: alertSent}, nil
}

// Deactivate lifts the halt. It requires a non-empty auth token; deeper token
// validation is delegated to the auth service fronting this API. Deactivating
// an inactive or unknown tenant returns ErrInvalidState.
func (e *Engine) Deactivate(ctx context.Context, tenantID, authToken, actor string, alertFn AlertFunc) (*State, error) {
	if authToken == "" {
		return nil, ErrAuthenticationRequired
	}

	logger := log.With().
		Str("component", "kill_switch").
		Str("tenant_id", tenantID).
		Logger()

	lk := e.tenantLock(tenantID)
	lk.Lock()

	current, err := e.db.GetState(ctx, tenantID)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	if current == nil || !current.Active {
		lk.Unlock()
		return nil, ErrInvalidState
	}

	won, err := e.db.TryDeactivate(ctx, tenantID, actor)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	if !won {
		lk.Unlock()
		return nil, ErrInvalidState
	}

	e.cache.SetActive(ctx, tenantID, false)
	lk.Unlock()

	state, err := e.db.GetState(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	logger.Info().Str("actor", actor).Msg("kill switch deactivated")
	metrics.KillSwitchDeactivations.Inc()

	e.appendEvent(ctx, &Event{
		TenantID:    tenantID,
		Kind:        AlertDeactivated,
		Reason:      state.ActivationReason,
		TriggerType: state.TriggerType,
		Scope:       state.Scope,
		ScopeID:     state.ScopeID,
		Actor:       actor,
	})

	e.dispatchAlert(ctx, alertFn, Alert{
		Kind:        AlertDeactivated,
		TenantID:    tenantID,
		Reason:      state.ActivationReason,
		TriggerType: state.TriggerType,
		Scope:       state.Scope,
		ScopeID:     state.ScopeID,
		ActivatedBy: actor,
		Timestamp:   time.Now(),
	})

	return state, nil
}

// GetState returns the tenant's kill switch state, synthesizing an inactive
// default when no record exists. It never errors on absence.
func (e *Engine) GetState(ctx context.Context, tenantID string) (*State, error) {
	state, err := e.db.GetState(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return defaultState(tenantID), nil
	}
	return state, nil
}

// IsActive is the pre-trade fast path. It is served from the cache; only a
// miss touches the durable store, after which the answer is cached.
func (e *Engine) IsActive(ctx context.Context, tenantID string) (bool, error) {
	if active, ok := e.cache.GetActive(ctx, tenantID); ok {
		return active, nil
	}

	state, err := e.db.GetState(ctx, tenantID)
	if err != nil {
		return false, err
	}
	active := state != nil && state.Active
	e.cache.SetActive(ctx, tenantID, active)
	return active, nil
}

// Events returns the audit trail for a tenant.
func (e *Engine) Events(ctx context.Context, tenantID string, limit int) ([]Event, error) {
	return e.db.ListEvents(ctx, tenantID, limit)
}

func (e *Engine) appendEvent(ctx context.Context, event *Event) {
	if err := e.db.AppendEvent(ctx, event); err != nil {
		log.Error().Err(err).
			Str("component", "kill_switch").
			Str("tenant_id", event.TenantID).
			Msg("failed to append audit event")
	}
}

// dispatchAlert sends the alert through the per-call callback if given,
// otherwise the engine default. The tenant's configured notification channels
// are attached so the transport knows where to fan out. Failures are logged
// and swallowed.
func (e *Engine) dispatchAlert(ctx context.Context, fn AlertFunc, alert Alert) bool {
	if fn == nil {
		fn = e.alert
	}
	if fn == nil {
		return false
	}
	if cfg, err := e.db.GetConfig(ctx, alert.TenantID); err != nil {
		log.Warn().Err(err).
			Str("component", "kill_switch").
			Str("tenant_id", alert.TenantID).
			Msg("failed to load notification channels for alert")
	} else if cfg != nil {
		alert.Channels = []string(cfg.NotificationChannels)
	}
	if err := fn(ctx, alert); err != nil {
		log.Error().Err(err).
			Str("component", "kill_switch").
			Str("tenant_id", alert.TenantID).
			Str("kind", string(alert.Kind)).
			Msg("alert dispatch failed")
		return false
	}
	return true
}

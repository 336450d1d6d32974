package killswitch

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Database wraps the durable store for kill switch state, config and audit
// events. Activation and deactivation are conditional writes keyed on the
// current Active flag so that racing callers cannot both win a transition.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetState returns the stored state for a tenant, or nil when none exists.
func (d *Database) GetState(ctx context.Context, tenantID string) (*State, error) {
	var state State
	err := d.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// TryActivate persists the activation if and only if the tenant is not
// already active. It returns true when this call won the transition; on a
// lost race it returns false together with the state that is already active.
func (d *Database) TryActivate(ctx context.Context, state *State) (bool, *State, error) {
	now := time.Now()
	res := d.db.WithContext(ctx).Model(&State{}).
		Where("tenant_id = ? AND active = ?", state.TenantID, false).
		Updates(map[string]interface{}{
			"active":                   true,
			"activated_at":             state.ActivatedAt,
			"activated_by":             state.ActivatedBy,
			"activation_reason":        state.ActivationReason,
			"trigger_type":             state.TriggerType,
			"scope":                    state.Scope,
			"scope_id":                 state.ScopeID,
			"pending_orders_cancelled": 0,
			"deactivated_at":           nil,
			"deactivated_by":           "",
			"updated_at":               now,
		})
	if res.Error != nil {
		return false, nil, res.Error
	}
	if res.RowsAffected == 1 {
		fresh, err := d.GetState(ctx, state.TenantID)
		if err != nil {
			return false, nil, err
		}
		return true, fresh, nil
	}

	// No row updated: either the tenant has no state row yet, or someone else
	// is already active.
	existing, err := d.GetState(ctx, state.TenantID)
	if err != nil {
		return false, nil, err
	}
	if existing != nil {
		return false, existing, nil
	}

	// First activation ever for this tenant. The unique index on tenant_id is
	// the arbiter if two first-activations race.
	if err := d.db.WithContext(ctx).Create(state).Error; err != nil {
		if isDuplicateKey(err) {
			existing, gerr := d.GetState(ctx, state.TenantID)
			if gerr != nil {
				return false, nil, gerr
			}
			return false, existing, nil
		}
		return false, nil, err
	}
	return true, state, nil
}

// RecordCancelledCount writes the pending-orders-cancelled count after the
// cancellation callback has run. The count is best-effort bookkeeping; a
// failure here does not undo the activation.
func (d *Database) RecordCancelledCount(ctx context.Context, tenantID string, count int) error {
	return d.db.WithContext(ctx).Model(&State{}).
		Where("tenant_id = ?", tenantID).
		Update("pending_orders_cancelled", count).Error
}

// TryDeactivate flips the switch off if and only if it is currently active.
// Activation fields are retained; only the deactivation bookkeeping is added.
func (d *Database) TryDeactivate(ctx context.Context, tenantID, actor string) (bool, error) {
	now := time.Now()
	res := d.db.WithContext(ctx).Model(&State{}).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Updates(map[string]interface{}{
			"active":         false,
			"deactivated_at": now,
			"deactivated_by": actor,
			"updated_at":     now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetConfig returns the stored config for a tenant, or nil when none exists.
func (d *Database) GetConfig(ctx context.Context, tenantID string) (*Config, error) {
	var cfg Config
	err := d.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes a config using compare-and-swap on Version. It returns
// false when the stored version no longer matches and the caller must re-read
// and retry.
func (d *Database) SaveConfig(ctx context.Context, cfg *Config) (bool, error) {
	if cfg.ID == 0 {
		cfg.Version = 1
		if err := d.db.WithContext(ctx).Create(cfg).Error; err != nil {
			if isDuplicateKey(err) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}

	res := d.db.WithContext(ctx).Model(&Config{}).
		Where("tenant_id = ? AND version = ?", cfg.TenantID, cfg.Version).
		Updates(map[string]interface{}{
			"config_id":                     cfg.ConfigID,
			"auto_triggers":                 cfg.AutoTriggers,
			"require_auth_for_deactivation": cfg.RequireAuthForDeactivation,
			"notification_channels":         cfg.NotificationChannels,
			"version":                       cfg.Version + 1,
			"updated_at":                    time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	cfg.Version++
	return true, nil
}

// AppendEvent writes one append-only audit row. Audit rows are never updated
// or deleted.
func (d *Database) AppendEvent(ctx context.Context, event *Event) error {
	return d.db.WithContext(ctx).Create(event).Error
}

// ListEvents returns the audit trail for a tenant, most recent first.
func (d *Database) ListEvents(ctx context.Context, tenantID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []Event
	err := d.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// isDuplicateKey recognizes unique-constraint violations across the drivers
// we run against (sqlite in tests, postgres in production deployments).
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

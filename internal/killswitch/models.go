package killswitch

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrAuthenticationRequired is returned when a deactivation is attempted
	// without an auth token.
	ErrAuthenticationRequired = errors.New("authentication required to deactivate kill switch")
	// ErrInvalidState is returned when a deactivation is attempted while the
	// switch is not active.
	ErrInvalidState = errors.New("kill switch is not active")
	// ErrReasonRequired is returned when an activation carries no reason.
	ErrReasonRequired = errors.New("activation reason is required")
	// ErrConfigConflict is returned when a config write loses a version race
	// after exhausting retries.
	ErrConfigConflict = errors.New("kill switch config was modified concurrently")
	// ErrTriggerNotFound is returned when a trigger mutation names an unknown trigger.
	ErrTriggerNotFound = errors.New("auto trigger not found")
)

// TriggerType distinguishes operator-initiated halts from rule-driven ones.
type TriggerType string

const (
	TriggerManual    TriggerType = "MANUAL"
	TriggerAutomatic TriggerType = "AUTOMATIC"
)

// Scope is the breadth of a halt.
type Scope string

const (
	ScopeTenant   Scope = "TENANT"
	ScopeStrategy Scope = "STRATEGY"
	ScopeAsset    Scope = "ASSET"
)

// SystemActor is recorded as ActivatedBy for automatic activations.
const SystemActor = "SYSTEM"

// State is the per-tenant kill switch record. At most one row exists per
// tenant; it is created on first activation and never deleted. Deactivation
// flips Active but retains the last activation's fields for the audit trail.
type State struct {
	gorm.Model             `json:"-"`
	TenantID               string      `gorm:"uniqueIndex" json:"tenant_id"`
	Active                 bool        `json:"active"`
	ActivatedAt            *time.Time  `json:"activated_at,omitempty"`
	ActivatedBy            string      `json:"activated_by,omitempty"`
	ActivationReason       string      `json:"activation_reason,omitempty"`
	TriggerType            TriggerType `json:"trigger_type"`
	Scope                  Scope       `json:"scope"`
	ScopeID                string      `json:"scope_id,omitempty"`
	PendingOrdersCancelled int         `json:"pending_orders_cancelled"`
	DeactivatedAt          *time.Time  `json:"deactivated_at,omitempty"`
	DeactivatedBy          string      `json:"deactivated_by,omitempty"`
}

// defaultState is what GetState synthesizes for tenants with no record.
func defaultState(tenantID string) *State {
	return &State{
		TenantID:    tenantID,
		Active:      false,
		TriggerType: TriggerManual,
		Scope:       ScopeTenant,
	}
}

// ConditionType tags the closed set of auto-trigger condition kinds.
type ConditionType string

const (
	ConditionRapidLoss   ConditionType = "RAPID_LOSS"
	ConditionErrorRate   ConditionType = "ERROR_RATE"
	ConditionSystemError ConditionType = "SYSTEM_ERROR"
)

// TriggerCondition is a tagged variant; only the fields relevant to Type are set.
type TriggerCondition struct {
	Type ConditionType `json:"type"`

	// RAPID_LOSS
	LossPercentThreshold float64 `json:"loss_percent_threshold,omitempty"`
	// ERROR_RATE
	ErrorPercentThreshold float64 `json:"error_percent_threshold,omitempty"`
	// RAPID_LOSS and ERROR_RATE
	TimeWindowMinutes int `json:"time_window_minutes,omitempty"`
	// SYSTEM_ERROR
	MatchingErrorTypes []string `json:"matching_error_types,omitempty"`
}

// Describe renders the condition as the human-readable activation reason used
// for automatic halts.
func (c TriggerCondition) Describe() string {
	switch c.Type {
	case ConditionRapidLoss:
		return fmt.Sprintf("rapid loss: loss exceeded %.2f%% within %d minutes",
			c.LossPercentThreshold, c.TimeWindowMinutes)
	case ConditionErrorRate:
		return fmt.Sprintf("error rate: errors exceeded %.2f%% within %d minutes",
			c.ErrorPercentThreshold, c.TimeWindowMinutes)
	case ConditionSystemError:
		return fmt.Sprintf("system error: matched one of %v", c.MatchingErrorTypes)
	default:
		return fmt.Sprintf("unknown condition %s", c.Type)
	}
}

// AutoTrigger is one configured rule; triggers are evaluated in list order.
type AutoTrigger struct {
	TriggerID string           `json:"trigger_id"`
	Condition TriggerCondition `json:"condition"`
	Enabled   bool             `json:"enabled"`
}

// TriggerList stores the ordered trigger set as JSON in a single column.
type TriggerList []AutoTrigger

func (l TriggerList) Value() (driver.Value, error) {
	if l == nil {
		l = TriggerList{}
	}
	return json.Marshal(l)
}

func (l *TriggerList) Scan(value interface{}) error {
	if value == nil {
		*l = TriggerList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported trigger list column type %T", value)
	}
}

// StringList stores notification channels as JSON.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = StringList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported string list column type %T", value)
	}
}

// Config is the per-tenant kill switch configuration. Version is bumped on
// every write; mutations are compare-and-swap on it so concurrent edits of
// this safety surface cannot silently overwrite each other.
type Config struct {
	gorm.Model                 `json:"-"`
	TenantID                   string      `gorm:"uniqueIndex" json:"tenant_id"`
	ConfigID                   string      `json:"config_id"`
	AutoTriggers               TriggerList `gorm:"type:text" json:"auto_triggers"`
	RequireAuthForDeactivation bool        `json:"require_auth_for_deactivation"`
	NotificationChannels       StringList  `gorm:"type:text" json:"notification_channels"`
	Version                    int64       `json:"version"`
}

func defaultConfig(tenantID string) *Config {
	return &Config{
		TenantID:                   tenantID,
		AutoTriggers:               TriggerList{},
		RequireAuthForDeactivation: true,
		NotificationChannels:       StringList{},
	}
}

// RiskEvent is the external risk-monitoring input evaluated against auto
// triggers. Optional measures are pointers so an absent field is
// distinguishable from zero.
type RiskEvent struct {
	EventType   string    `json:"event_type"`
	Severity    string    `json:"severity"`
	LossPercent *float64  `json:"loss_percent,omitempty"`
	ErrorRate   *float64  `json:"error_rate,omitempty"`
	ErrorType   string    `json:"error_type,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// AlertKind identifies the lifecycle transition an alert reports.
type AlertKind string

const (
	AlertActivated     AlertKind = "ACTIVATED"
	AlertDeactivated   AlertKind = "DEACTIVATED"
	AlertAutoTriggered AlertKind = "AUTO_TRIGGERED"
)

// Alert is delivered to the alert callback on every state transition.
type Alert struct {
	Kind            AlertKind   `json:"kind"`
	TenantID        string      `json:"tenant_id"`
	Reason          string      `json:"reason"`
	TriggerType     TriggerType `json:"trigger_type"`
	Scope           Scope       `json:"scope"`
	ScopeID         string      `json:"scope_id,omitempty"`
	ActivatedBy     string      `json:"activated_by,omitempty"`
	OrdersCancelled int         `json:"orders_cancelled"`
	Channels        []string    `json:"channels,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// Event is the append-only audit row written for every transition.
type Event struct {
	gorm.Model      `json:"-"`
	TenantID        string      `gorm:"index" json:"tenant_id"`
	Kind            AlertKind   `json:"kind"`
	Reason          string      `json:"reason"`
	TriggerType     TriggerType `json:"trigger_type"`
	Scope           Scope       `json:"scope"`
	ScopeID         string      `json:"scope_id,omitempty"`
	Actor           string      `json:"actor,omitempty"`
	OrdersCancelled int         `json:"orders_cancelled"`
	CreatedAt       time.Time   `json:"created_at"`
}

// CancelOrdersFunc cancels pending orders for a tenant within scope and
// returns the number of orders cancelled.
type CancelOrdersFunc func(ctx context.Context, tenantID string, scope Scope, scopeID string) (int, error)

// AlertFunc dispatches a lifecycle alert. Failures are logged and swallowed.
type AlertFunc func(ctx context.Context, alert Alert) error

// ActivationResult reports what an Activate call did.
type ActivationResult struct {
	State           *State `json:"state"`
	OrdersCancelled int    `json:"orders_cancelled"`
	AlertSent       bool   `json:"alert_sent"`
}

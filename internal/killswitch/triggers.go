package killswitch

import (
	"context"

	"github.com/google/uuid"
	"github.com/ksred/tradeguard-api/pkg/metrics"
	"github.com/rs/zerolog/log"
)

// casRetries bounds config read-modify-write retries on version conflicts.
const casRetries = 3

// CheckAutoTriggers evaluates a risk event against the tenant's configured
// auto triggers, in order. On the first satisfied condition it activates the
// kill switch automatically and returns true without evaluating the rest.
// It returns false immediately when the switch is already active or no
// enabled triggers exist.
func (e *Engine) CheckAutoTriggers(ctx context.Context, tenantID string, event RiskEvent, opts ActivateOptions) (bool, error) {
	cfg, err := e.db.GetConfig(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if cfg == nil || !cfg.hasEnabledTriggers() {
		return false, nil
	}

	active, err := e.IsActive(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if active {
		// No duplicate activation.
		return false, nil
	}

	for _, trigger := range cfg.AutoTriggers {
		if !trigger.Enabled {
			continue
		}
		if !conditionSatisfied(trigger.Condition, event) {
			continue
		}

		log.Warn().
			Str("component", "kill_switch").
			Str("tenant_id", tenantID).
			Str("trigger_id", trigger.TriggerID).
			Str("condition", string(trigger.Condition.Type)).
			Str("event_type", event.EventType).
			Msg("auto trigger fired")
		metrics.AutoTriggerEvaluations.WithLabelValues("fired").Inc()

		opts.TriggerType = TriggerAutomatic
		opts.ActivatedBy = SystemActor
		if _, err := e.Activate(ctx, tenantID, trigger.Condition.Describe(), opts); err != nil {
			return false, err
		}
		return true, nil
	}

	metrics.AutoTriggerEvaluations.WithLabelValues("passed").Inc()
	return false, nil
}

// conditionSatisfied evaluates one condition against an event. A condition
// whose relevant measure is absent from the event is not satisfied.
func conditionSatisfied(cond TriggerCondition, event RiskEvent) bool {
	switch cond.Type {
	case ConditionRapidLoss:
		return event.LossPercent != nil && *event.LossPercent >= cond.LossPercentThreshold
	case ConditionErrorRate:
		return event.ErrorRate != nil && *event.ErrorRate >= cond.ErrorPercentThreshold
	case ConditionSystemError:
		if event.ErrorType == "" {
			return false
		}
		for _, t := range cond.MatchingErrorTypes {
			if t == event.ErrorType {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (c *Config) hasEnabledTriggers() bool {
	for _, t := range c.AutoTriggers {
		if t.Enabled {
			return true
		}
	}
	return false
}

// GetConfig returns the tenant's kill switch config, synthesizing the default
// (auth required, no triggers) when none is stored.
func (e *Engine) GetConfig(ctx context.Context, tenantID string) (*Config, error) {
	cfg, err := e.db.GetConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return defaultConfig(tenantID), nil
	}
	return cfg, nil
}

// AddAutoTrigger appends a trigger to the tenant's config. A missing
// TriggerID is generated. The write is compare-and-swap on the config
// version and retried on conflict.
func (e *Engine) AddAutoTrigger(ctx context.Context, tenantID string, trigger AutoTrigger) (*Config, error) {
	if trigger.TriggerID == "" {
		trigger.TriggerID = uuid.New().String()
	}
	return e.mutateConfig(ctx, tenantID, func(cfg *Config) error {
		cfg.AutoTriggers = append(cfg.AutoTriggers, trigger)
		return nil
	})
}

// RemoveAutoTrigger deletes a trigger by ID.
func (e *Engine) RemoveAutoTrigger(ctx context.Context, tenantID, triggerID string) (*Config, error) {
	return e.mutateConfig(ctx, tenantID, func(cfg *Config) error {
		for i, t := range cfg.AutoTriggers {
			if t.TriggerID == triggerID {
				cfg.AutoTriggers = append(cfg.AutoTriggers[:i], cfg.AutoTriggers[i+1:]...)
				return nil
			}
		}
		return ErrTriggerNotFound
	})
}

// SetAutoTriggerEnabled flips a trigger's enabled flag.
func (e *Engine) SetAutoTriggerEnabled(ctx context.Context, tenantID, triggerID string, enabled bool) (*Config, error) {
	return e.mutateConfig(ctx, tenantID, func(cfg *Config) error {
		for i := range cfg.AutoTriggers {
			if cfg.AutoTriggers[i].TriggerID == triggerID {
				cfg.AutoTriggers[i].Enabled = enabled
				return nil
			}
		}
		return ErrTriggerNotFound
	})
}

// mutateConfig runs a read-modify-write cycle under version CAS, retrying a
// bounded number of times when it loses the race.
func (e *Engine) mutateConfig(ctx context.Context, tenantID string, mutate func(*Config) error) (*Config, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		cfg, err := e.db.GetConfig(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if cfg == nil {
			cfg = defaultConfig(tenantID)
		}
		if err := mutate(cfg); err != nil {
			return nil, err
		}
		ok, err := e.db.SaveConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if ok {
			return cfg, nil
		}
		log.Debug().
			Str("component", "kill_switch").
			Str("tenant_id", tenantID).
			Int("attempt", attempt+1).
			Msg("config version conflict, retrying")
	}
	return nil, ErrConfigConflict
}

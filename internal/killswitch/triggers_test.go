package killswitch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func TestConditionSatisfied(t *testing.T) {
	tests := []struct {
		name  string
		cond  TriggerCondition
		event RiskEvent
		want  bool
	}{
		{
			name:  "rapid loss above threshold",
			cond:  TriggerCondition{Type: ConditionRapidLoss, LossPercentThreshold: 10},
			event: RiskEvent{LossPercent: floatPtr(12)},
			want:  true,
		},
		{
			name:  "rapid loss at threshold",
			cond:  TriggerCondition{Type: ConditionRapidLoss, LossPercentThreshold: 10},
			event: RiskEvent{LossPercent: floatPtr(10)},
			want:  true,
		},
		{
			name:  "rapid loss below threshold",
			cond:  TriggerCondition{Type: ConditionRapidLoss, LossPercentThreshold: 10},
			event: RiskEvent{LossPercent: floatPtr(9.99)},
			want:  false,
		},
		{
			name:  "rapid loss with missing field",
			cond:  TriggerCondition{Type: ConditionRapidLoss, LossPercentThreshold: 10},
			event: RiskEvent{ErrorRate: floatPtr(50)},
			want:  false,
		},
		{
			name:  "error rate above threshold",
			cond:  TriggerCondition{Type: ConditionErrorRate, ErrorPercentThreshold: 5},
			event: RiskEvent{ErrorRate: floatPtr(7.5)},
			want:  true,
		},
		{
			name:  "error rate with missing field",
			cond:  TriggerCondition{Type: ConditionErrorRate, ErrorPercentThreshold: 5},
			event: RiskEvent{LossPercent: floatPtr(7.5)},
			want:  false,
		},
		{
			name:  "system error matching type",
			cond:  TriggerCondition{Type: ConditionSystemError, MatchingErrorTypes: []string{"FEED_DOWN", "DB_ERROR"}},
			event: RiskEvent{ErrorType: "DB_ERROR"},
			want:  true,
		},
		{
			name:  "system error non-matching type",
			cond:  TriggerCondition{Type: ConditionSystemError, MatchingErrorTypes: []string{"FEED_DOWN"}},
			event: RiskEvent{ErrorType: "DB_ERROR"},
			want:  false,
		},
		{
			name:  "system error with missing field",
			cond:  TriggerCondition{Type: ConditionSystemError, MatchingErrorTypes: []string{"FEED_DOWN"}},
			event: RiskEvent{},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, conditionSatisfied(tt.cond, tt.event))
		})
	}
}

func TestCheckAutoTriggersFirstMatchShortCircuits(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	// Three triggers whose conditions all match the event; the first is
	// disabled, so the second must win and the third must never fire.
	_, err := engine.AddAutoTrigger(ctx, "tenant-1", AutoTrigger{
		TriggerID: "t-disabled",
		Condition: TriggerCondition{Type: ConditionRapidLoss, LossPercentThreshold: 1},
		Enabled:   false,
	})
	require.NoError(t, err)
	_, err = engine.AddAutoTrigger(ctx, "tenant-1", AutoTrigger{
		TriggerID: "t-winner",
		Condition: TriggerCondition{Type: ConditionRapidLoss, LossPercentThreshold: 5, TimeWindowMinutes: 5},
		Enabled:   true,
	})
	require.NoError(t, err)
	_, err = engine.AddAutoTrigger(ctx, "tenant-1", AutoTrigger{
		TriggerID: "t-shadowed",
		Condition: TriggerCondition{Type: ConditionRapidLoss, LossPercentThreshold: 2, TimeWindowMinutes: 10},
		Enabled:   true,
	})
	require.NoError(t, err)

	event := RiskEvent{EventType: "LOSS", LossPercent: floatPtr(12)}
	triggered, err := engine.CheckAutoTriggers(ctx, "tenant-1", event, ActivateOptions{})
	require.NoError(t, err)
	assert.True(t, triggered)

	state, err := engine.GetState(ctx, "tenant-1")
	require.NoError(t, err)
	assert.True(t, state.Active)
	assert.Equal(t, TriggerAutomatic, state.TriggerType)
	assert.Equal(t, SystemActor, state.ActivatedBy)
	// The recorded reason identifies the winning trigger's condition, not
	// the shadowed one.
	assert.Contains(t, state.ActivationReason, "5.00%")
	assert.Contains(t, state.ActivationReason, "5 minutes")
}

func TestCheckAutoTriggersScenarioRapidLoss(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.AddAutoTrigger(ctx, "tenant-1", AutoTrigger{
		Condition: TriggerCondition{Type: ConditionRapidLoss, LossPercentThreshold: 10, TimeWindowMinutes: 5},
		Enabled:   true,
	})
	require.NoError(t, err)

	triggered, err := engine.CheckAutoTriggers(ctx, "tenant-1",
		RiskEvent{LossPercent: floatPtr(12)}, ActivateOptions{})
	require.NoError(t, err)
	assert.True(t, triggered)

	state, err := engine.GetState(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, TriggerAutomatic, state.TriggerType)
	assert.Equal(t, SystemActor, state.ActivatedBy)
}

func TestCheckAutoTriggersNoEnabledTriggers(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	// No config at all.
	triggered, err := engine.CheckAutoTriggers(ctx, "tenant-1",
		RiskEvent{LossPercent: floatPtr(99)}, ActivateOptions{})
	require.NoError(t, err)
	assert.False(t, triggered)

	// Config with only a disabled trigger.
	_, err = engine.AddAutoTrigger(ctx, "tenant-1", AutoTrigger{
		Condition: TriggerCondition{Type: ConditionRapidLoss, LossPercentThreshold: 1},
		Enabled:   false,
	})
	require.NoError(t, err)

	triggered, err = engine.CheckAutoTriggers(ctx, "tenant-1",
		RiskEvent{LossPercent: floatPtr(99)}, ActivateOptions{})
	require.NoError(t, err)
	assert.False(t, triggered)
}

func TestCheckAutoTriggersNoDuplicateActivation(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.AddAutoTrigger(ctx, "tenant-1", AutoTrigger{
		Condition: TriggerCondition{Type: ConditionRapidLoss, LossPercentThreshold: 10},
		Enabled:   true,
	})
	require.NoError(t, err)

	_, err = engine.Activate(ctx, "tenant-1", "manual halt first", ActivateOptions{})
	require.NoError(t, err)

	triggered, err := engine.CheckAutoTriggers(ctx, "tenant-1",
		RiskEvent{LossPercent: floatPtr(99)}, ActivateOptions{})
	require.NoError(t, err)
	assert.False(t, triggered)

	// The manual activation is untouched.
	state, err := engine.GetState(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, state.TriggerType)
	assert.Equal(t, "manual halt first", state.ActivationReason)
}

func TestConfigMutations(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	cfg, err := engine.GetConfig(ctx, "tenant-1")
	require.NoError(t, err)
	assert.True(t, cfg.RequireAuthForDeactivation)
	assert.Empty(t, cfg.AutoTriggers)

	cfg, err = engine.AddAutoTrigger(ctx, "tenant-1", AutoTrigger{
		Condition: TriggerCondition{Type: ConditionErrorRate, ErrorPercentThreshold: 5},
		Enabled:   true,
	})
	require.NoError(t, err)
	require.Len(t, cfg.AutoTriggers, 1)
	assert.NotEmpty(t, cfg.AutoTriggers[0].TriggerID)
	assert.Equal(t, int64(1), cfg.Version)

	triggerID := cfg.AutoTriggers[0].TriggerID

	cfg, err = engine.SetAutoTriggerEnabled(ctx, "tenant-1", triggerID, false)
	require.NoError(t, err)
	assert.False(t, cfg.AutoTriggers[0].Enabled)
	assert.Equal(t, int64(2), cfg.Version)

	cfg, err = engine.RemoveAutoTrigger(ctx, "tenant-1", triggerID)
	require.NoError(t, err)
	assert.Empty(t, cfg.AutoTriggers)
	assert.Equal(t, int64(3), cfg.Version)

	_, err = engine.RemoveAutoTrigger(ctx, "tenant-1", "no-such-trigger")
	assert.ErrorIs(t, err, ErrTriggerNotFound)
}

func TestConfigVersionConflictRetries(t *testing.T) {
	db := newTestDB(t)
	engine := NewEngine(db, NewMemoryCache(0), nil, nil)
	ctx := context.Background()

	_, err := engine.AddAutoTrigger(ctx, "tenant-1", AutoTrigger{
		TriggerID: "t-1",
		Condition: TriggerCondition{Type: ConditionRapidLoss, LossPercentThreshold: 10},
		Enabled:   true,
	})
	require.NoError(t, err)

	// A second engine sharing the store simulates a concurrent editor; both
	// mutations must land because the loser re-reads and retries.
	other := NewEngine(db, NewMemoryCache(0), nil, nil)
	_, err = other.AddAutoTrigger(ctx, "tenant-1", AutoTrigger{
		TriggerID: "t-2",
		Condition: TriggerCondition{Type: ConditionErrorRate, ErrorPercentThreshold: 5},
		Enabled:   true,
	})
	require.NoError(t, err)

	cfg, err := engine.GetConfig(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Len(t, cfg.AutoTriggers, 2)
	assert.Equal(t, int64(2), cfg.Version)
}

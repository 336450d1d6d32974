package killswitch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	// sqlite holds a single writer; one pooled connection keeps concurrent
	// test goroutines from tripping over a locked database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&State{}, &Config{}, &Event{}))
	return db
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(newTestDB(t), NewMemoryCache(0), nil, nil)
}

func TestActivateIsIdempotent(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	var cancelCalls int32
	cancel := func(ctx context.Context, tenantID string, scope Scope, scopeID string) (int, error) {
		atomic.AddInt32(&cancelCalls, 1)
		return 7, nil
	}

	first, err := engine.Activate(ctx, "tenant-1", "manual halt", ActivateOptions{CancelOrders: cancel})
	require.NoError(t, err)
	assert.True(t, first.State.Active)
	assert.Equal(t, 7, first.OrdersCancelled)
	assert.Equal(t, 7, first.State.PendingOrdersCancelled)

	second, err := engine.Activate(ctx, "tenant-1", "manual halt again", ActivateOptions{CancelOrders: cancel})
	require.NoError(t, err)
	assert.True(t, second.State.Active)
	assert.Equal(t, 0, second.OrdersCancelled)
	assert.False(t, second.AlertSent)

	// The existing state is returned unchanged: same activation time, same
	// reason, and the cancellation callback did not run again.
	require.NotNil(t, first.State.ActivatedAt)
	require.NotNil(t, second.State.ActivatedAt)
	assert.True(t, first.State.ActivatedAt.Equal(*second.State.ActivatedAt))
	assert.Equal(t, "manual halt", second.State.ActivationReason)
	assert.Equal(t, int32(1), atomic.LoadInt32(&cancelCalls))
}

func TestActivateRequiresReason(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.Activate(context.Background(), "tenant-1", "", ActivateOptions{})
	assert.ErrorIs(t, err, ErrReasonRequired)
}

func TestActivateDefaultsScopeAndTriggerType(t *testing.T) {
	engine := newTestEngine(t)

	result, err := engine.Activate(context.Background(), "tenant-1", "halt", ActivateOptions{})
	require.NoError(t, err)
	assert.Equal(t, ScopeTenant, result.State.Scope)
	assert.Equal(t, TriggerManual, result.State.TriggerType)
}

func TestDeactivateRequiresToken(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	// Empty token fails regardless of current state.
	_, err := engine.Deactivate(ctx, "tenant-1", "", "ops", nil)
	assert.ErrorIs(t, err, ErrAuthenticationRequired)

	_, err = engine.Activate(ctx, "tenant-1", "halt", ActivateOptions{})
	require.NoError(t, err)

	_, err = engine.Deactivate(ctx, "tenant-1", "", "ops", nil)
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
}

func TestDeactivateWithoutActivation(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.Deactivate(context.Background(), "tenant-unknown", "token123", "ops", nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestDeactivateRetainsActivationFields(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Activate(ctx, "tenant-1", "scheduled maintenance", ActivateOptions{ActivatedBy: "ops"})
	require.NoError(t, err)

	state, err := engine.Deactivate(ctx, "tenant-1", "token123", "ops-2", nil)
	require.NoError(t, err)
	assert.False(t, state.Active)
	assert.Equal(t, "scheduled maintenance", state.ActivationReason)
	assert.Equal(t, "ops", state.ActivatedBy)
	assert.NotNil(t, state.ActivatedAt)
	assert.NotNil(t, state.DeactivatedAt)
	assert.Equal(t, "ops-2", state.DeactivatedBy)

	// Double deactivation is an error, not silent corruption.
	_, err = engine.Deactivate(ctx, "tenant-1", "token123", "ops-2", nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestConcurrentActivationSingleWinner(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	var cancelCalls int32
	cancel := func(ctx context.Context, tenantID string, scope Scope, scopeID string) (int, error) {
		atomic.AddInt32(&cancelCalls, 1)
		return 4, nil
	}

	const callers = 16
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Activate(ctx, "tenant-1", "race halt", ActivateOptions{CancelOrders: cancel})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Exactly one caller won the transition and ran the cancellation callback;
	// the rest saw the already-active state.
	assert.Equal(t, int32(1), atomic.LoadInt32(&cancelCalls))

	state, err := engine.GetState(ctx, "tenant-1")
	require.NoError(t, err)
	assert.True(t, state.Active)

	events, err := engine.Events(ctx, "tenant-1", 50)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestReactivationClearsDeactivationFields(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Activate(ctx, "tenant-1", "first halt", ActivateOptions{ActivatedBy: "ops"})
	require.NoError(t, err)
	_, err = engine.Deactivate(ctx, "tenant-1", "token123", "ops-2", nil)
	require.NoError(t, err)

	result, err := engine.Activate(ctx, "tenant-1", "second halt", ActivateOptions{ActivatedBy: "ops-3"})
	require.NoError(t, err)
	assert.True(t, result.State.Active)
	assert.Equal(t, "second halt", result.State.ActivationReason)
	assert.Equal(t, "ops-3", result.State.ActivatedBy)
	// The prior cycle's deactivation bookkeeping does not survive.
	assert.Nil(t, result.State.DeactivatedAt)
	assert.Equal(t, "", result.State.DeactivatedBy)
}

func TestAlertCarriesNotificationChannels(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	cfg := defaultConfig("tenant-1")
	cfg.NotificationChannels = StringList{"pagerduty", "slack-ops"}
	ok, err := engine.db.SaveConfig(ctx, cfg)
	require.NoError(t, err)
	require.True(t, ok)

	var got Alert
	alert := func(ctx context.Context, a Alert) error {
		got = a
		return nil
	}

	result, err := engine.Activate(ctx, "tenant-1", "halt", ActivateOptions{Alert: alert})
	require.NoError(t, err)
	assert.True(t, result.AlertSent)
	assert.Equal(t, []string{"pagerduty", "slack-ops"}, got.Channels)
}

func TestGetStateSynthesizesDefault(t *testing.T) {
	engine := newTestEngine(t)

	state, err := engine.GetState(context.Background(), "tenant-none")
	require.NoError(t, err)
	assert.False(t, state.Active)
	assert.Equal(t, TriggerManual, state.TriggerType)
	assert.Equal(t, ScopeTenant, state.Scope)
	assert.Equal(t, 0, state.PendingOrdersCancelled)
}

func TestLifecycleScenario(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	state, err := engine.GetState(ctx, "tenant-T")
	require.NoError(t, err)
	assert.False(t, state.Active)

	_, err = engine.Activate(ctx, "tenant-T", "manual test", ActivateOptions{})
	require.NoError(t, err)

	active, err := engine.IsActive(ctx, "tenant-T")
	require.NoError(t, err)
	assert.True(t, active)

	_, err = engine.Deactivate(ctx, "tenant-T", "token123", "ops", nil)
	require.NoError(t, err)

	active, err = engine.IsActive(ctx, "tenant-T")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestIsActiveServedFromCache(t *testing.T) {
	db := newTestDB(t)
	cache := NewMemoryCache(0)
	engine := NewEngine(db, cache, nil, nil)
	ctx := context.Background()

	// First read misses and populates the cache.
	active, err := engine.IsActive(ctx, "tenant-1")
	require.NoError(t, err)
	assert.False(t, active)

	cached, ok := cache.GetActive(ctx, "tenant-1")
	assert.True(t, ok)
	assert.False(t, cached)

	// Activation updates the cache immediately.
	_, err = engine.Activate(ctx, "tenant-1", "halt", ActivateOptions{})
	require.NoError(t, err)
	cached, ok = cache.GetActive(ctx, "tenant-1")
	assert.True(t, ok)
	assert.True(t, cached)
}

func TestCancellationFailureLeavesSwitchActive(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	cancel := func(ctx context.Context, tenantID string, scope Scope, scopeID string) (int, error) {
		return 0, errors.New("cancel backend down")
	}

	result, err := engine.Activate(ctx, "tenant-1", "halt", ActivateOptions{CancelOrders: cancel})
	require.NoError(t, err)
	assert.True(t, result.State.Active)
	assert.Equal(t, 0, result.OrdersCancelled)

	active, err := engine.IsActive(ctx, "tenant-1")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestAlertFailureDoesNotFailActivation(t *testing.T) {
	engine := newTestEngine(t)

	alert := func(ctx context.Context, a Alert) error {
		return errors.New("notifier unreachable")
	}

	result, err := engine.Activate(context.Background(), "tenant-1", "halt", ActivateOptions{Alert: alert})
	require.NoError(t, err)
	assert.True(t, result.State.Active)
	assert.False(t, result.AlertSent)
}

func TestActivationAlertContents(t *testing.T) {
	engine := newTestEngine(t)

	var got Alert
	alert := func(ctx context.Context, a Alert) error {
		got = a
		return nil
	}
	cancel := func(ctx context.Context, tenantID string, scope Scope, scopeID string) (int, error) {
		return 3, nil
	}

	result, err := engine.Activate(context.Background(), "tenant-1", "fat finger", ActivateOptions{
		Scope:        ScopeStrategy,
		ScopeID:      "strat-9",
		ActivatedBy:  "ops",
		CancelOrders: cancel,
		Alert:        alert,
	})
	require.NoError(t, err)
	assert.True(t, result.AlertSent)
	assert.Equal(t, AlertActivated, got.Kind)
	assert.Equal(t, "tenant-1", got.TenantID)
	assert.Equal(t, "fat finger", got.Reason)
	assert.Equal(t, ScopeStrategy, got.Scope)
	assert.Equal(t, "strat-9", got.ScopeID)
	assert.Equal(t, "ops", got.ActivatedBy)
	assert.Equal(t, 3, got.OrdersCancelled)
	assert.False(t, got.Timestamp.IsZero())
}

func TestAuditEventsAppended(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Activate(ctx, "tenant-1", "halt", ActivateOptions{})
	require.NoError(t, err)
	_, err = engine.Deactivate(ctx, "tenant-1", "token123", "ops", nil)
	require.NoError(t, err)

	events, err := engine.Events(ctx, "tenant-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Most recent first.
	assert.Equal(t, AlertDeactivated, events[0].Kind)
	assert.Equal(t, AlertActivated, events[1].Kind)
}

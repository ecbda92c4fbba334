package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbrctl/sbrctl/internal/controller"
	"github.com/sbrctl/sbrctl/internal/db"
	"github.com/sbrctl/sbrctl/internal/models"
)

func newPumpFixture(t *testing.T) (*eventPump, *db.Store) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	hub := NewHub(zerolog.Nop())
	t.Cleanup(hub.Close)
	return newEventPump(store, hub, zerolog.Nop()), store
}

func TestPumpPersistsEvents(t *testing.T) {
	pump, store := newPumpFixture(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	pump.handle(models.Event{
		Timestamp: now,
		Kind:      controller.EventKindPhaseChanged,
		Severity:  models.SeverityInfo,
		Payload:   map[string]any{"phase": "feed"},
	})
	pump.handle(models.Event{
		Timestamp: now.Add(time.Second),
		Kind:      controller.EventKindStatus,
		Severity:  models.SeverityInfo,
	})

	events, err := store.ListEventsTail(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, events, 1, "status events are push-only")
	assert.Equal(t, controller.EventKindPhaseChanged, events[0].Kind)
}

func TestPumpRecordsCompletedCycle(t *testing.T) {
	pump, store := newPumpFixture(t)
	started := time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)

	pump.handle(models.Event{Timestamp: started, Kind: controller.EventKindCycleStarted, Severity: models.SeverityInfo})
	pump.handle(models.Event{Timestamp: started.Add(4 * time.Hour), Kind: controller.EventKindCycleCompleted, Severity: models.SeverityInfo})

	cycles, err := store.ListCyclesTail(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, db.CycleResultCompleted, cycles[0].Result)
	require.NotNil(t, cycles[0].DurationSeconds)
	assert.InDelta(t, 4*3600, *cycles[0].DurationSeconds, 0.001)
}

func TestPumpRecordsAlarmOnEmergencyStop(t *testing.T) {
	pump, store := newPumpFixture(t)
	started := time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)

	pump.handle(models.Event{Timestamp: started, Kind: controller.EventKindCycleStarted, Severity: models.SeverityInfo})
	pump.handle(models.Event{
		Timestamp: started.Add(time.Hour),
		Kind:      controller.EventKindEmergencyStop,
		Severity:  models.SeverityCritical,
		Payload:   map[string]any{"was_running": true, "reason": "level_high"},
	})

	cycles, err := store.ListCyclesTail(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, db.CycleResultAlarm, cycles[0].Result)
}

func TestPumpIgnoresIdleEmergencyStop(t *testing.T) {
	pump, store := newPumpFixture(t)

	pump.handle(models.Event{
		Timestamp: time.Now(),
		Kind:      controller.EventKindEmergencyStop,
		Severity:  models.SeverityCritical,
		Payload:   map[string]any{"was_running": false, "reason": "operator"},
	})

	cycles, err := store.ListCyclesTail(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, cycles)
}

func TestPumpDrainsQueueOnShutdown(t *testing.T) {
	pump, store := newPumpFixture(t)

	events := make(chan models.Event, 4)
	events <- models.Event{Timestamp: time.Now(), Kind: controller.EventKindCycleStarted, Severity: models.SeverityInfo}
	events <- models.Event{Timestamp: time.Now(), Kind: controller.EventKindCycleStopped, Severity: models.SeverityInfo}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pump.run(ctx, events)

	persisted, err := store.ListEventsTail(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

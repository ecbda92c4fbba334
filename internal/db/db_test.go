package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbrctl/sbrctl/internal/models"
)

// openTestStore creates a test database in a temporary directory. The
// database is automatically closed when the test completes.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, Migrate(store.DB))
	require.NoError(t, Migrate(store.DB))
}

func TestReadingsRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.InsertReading(ctx, base.Add(time.Duration(i)*time.Minute), 100-float64(i), models.PhaseFeed))
	}

	tail, err := store.ListReadingsTail(ctx, 3)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.Equal(t, 98.0, tail[0].Level, "tail is chronological")
	assert.Equal(t, 96.0, tail[2].Level)
	assert.Equal(t, models.PhaseFeed, tail[0].Phase)
	assert.True(t, tail[0].Timestamp.Before(tail[1].Timestamp))
}

func TestReadingsRange(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		require.NoError(t, store.InsertReading(ctx, base.Add(time.Duration(i)*time.Minute), float64(i), models.PhaseSettling))
	}

	out, err := store.ListReadingsRange(ctx, base.Add(2*time.Minute), base.Add(5*time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, out, 3, "range end is exclusive")
	assert.Equal(t, 2.0, out[0].Level)
	assert.Equal(t, 4.0, out[2].Level)

	_, err = store.ListReadingsRange(ctx, base.Add(5*time.Minute), base.Add(2*time.Minute), 100)
	require.Error(t, err)
}

func TestPruneReadings(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		require.NoError(t, store.InsertReading(ctx, base.Add(time.Duration(i)*time.Hour), float64(i), models.PhaseIdle))
	}

	removed, err := store.PruneReadings(ctx, base.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(4), removed)

	tail, err := store.ListReadingsTail(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, tail, 6)
}

func TestEventsRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertEvent(ctx, models.Event{
		Timestamp: now,
		Kind:      "phase.changed",
		Severity:  models.SeverityInfo,
		Payload:   map[string]any{"phase": "feed"},
	}))
	require.NoError(t, store.InsertEvent(ctx, models.Event{
		Timestamp: now.Add(time.Minute),
		Kind:      "safety.alarm",
		Severity:  models.SeverityCritical,
		Message:   "level 10.0cm at or below high alarm 15.0cm",
	}))

	tail, err := store.ListEventsTail(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "phase.changed", tail[0].Kind)
	assert.Contains(t, tail[0].JSON, `"phase":"feed"`)
	assert.Equal(t, models.SeverityCritical, tail[1].Severity)
	assert.NotEmpty(t, tail[1].Message)

	alarms, err := store.ListEventsTail(ctx, "safety.alarm", 10)
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	assert.Equal(t, "safety.alarm", alarms[0].Kind)
}

func TestEventsAfter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.InsertEvent(ctx, models.Event{
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Kind:      "phase.changed",
			Severity:  models.SeverityInfo,
		}))
	}

	all, err := store.ListEventsAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 5)

	rest, err := store.ListEventsAfter(ctx, all[2].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Greater(t, rest[0].ID, all[2].ID)
}

func TestEventRequiresKind(t *testing.T) {
	store := openTestStore(t)
	err := store.InsertEvent(context.Background(), models.Event{Timestamp: time.Now()})
	require.Error(t, err)
}

func TestCycleLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	started := time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)
	id := uuid.NewString()

	require.NoError(t, store.StartCycle(ctx, id, started))

	cycles, err := store.ListCyclesTail(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, CycleResultRunning, cycles[0].Result)
	assert.Nil(t, cycles[0].EndedAt)

	ended := started.Add(4 * time.Hour)
	require.NoError(t, store.FinishCycle(ctx, id, ended, CycleResultCompleted, 4*time.Hour))

	cycles, err = store.ListCyclesTail(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, CycleResultCompleted, cycles[0].Result)
	require.NotNil(t, cycles[0].EndedAt)
	require.NotNil(t, cycles[0].DurationSeconds)
	assert.InDelta(t, 4*3600, *cycles[0].DurationSeconds, 0.001)
}

func TestFinishCycleValidation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.FinishCycle(ctx, uuid.NewString(), time.Now(), CycleResultCompleted, time.Hour)
	require.ErrorIs(t, err, ErrCycleNotFound)

	id := uuid.NewString()
	require.NoError(t, store.StartCycle(ctx, id, time.Now()))
	err = store.FinishCycle(ctx, id, time.Now(), "exploded", time.Hour)
	require.Error(t, err)
}

func TestListCyclesNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.StartCycle(ctx, uuid.NewString(), base.Add(time.Duration(i)*time.Hour)))
	}

	cycles, err := store.ListCyclesTail(ctx, 2)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.True(t, cycles[0].StartedAt.After(cycles[1].StartedAt))
}

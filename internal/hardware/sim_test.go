package hardware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbrctl/sbrctl/internal/models"
)

type simClock struct {
	current time.Time
}

func newSimClock() *simClock {
	return &simClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *simClock) Now() time.Time { return c.current }

func (c *simClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func TestSimRigFilling(t *testing.T) {
	clk := newSimClock()
	rig := NewSimRig().WithClock(clk.Now).WithNoise(0)
	ctx := context.Background()

	level, err := rig.ReadLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, level)

	require.NoError(t, rig.SetActuator(ctx, models.ActuatorInletPump, true))
	clk.Advance(10 * time.Second)

	// Filling shortens the distance reading by 5 cm/s.
	level, err = rig.ReadLevel(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, level, 0.001)
}

func TestSimRigDraining(t *testing.T) {
	clk := newSimClock()
	rig := NewSimRig().WithClock(clk.Now).WithNoise(0)
	ctx := context.Background()

	require.NoError(t, rig.SetActuator(ctx, models.ActuatorDrainValve, true))
	clk.Advance(5 * time.Second)

	level, err := rig.ReadLevel(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 120.0, level, 0.001)
}

func TestSimRigClampsToWindow(t *testing.T) {
	clk := newSimClock()
	rig := NewSimRig().WithClock(clk.Now).WithNoise(0)
	ctx := context.Background()

	require.NoError(t, rig.SetActuator(ctx, models.ActuatorInletPump, true))
	clk.Advance(time.Hour)
	level, err := rig.ReadLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, 15.0, level, "reading never goes below the sensor minimum")

	require.NoError(t, rig.SetActuator(ctx, models.ActuatorInletPump, false))
	require.NoError(t, rig.SetActuator(ctx, models.ActuatorDrainValve, true))
	clk.Advance(time.Hour)
	level, err = rig.ReadLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, 145.0, level, "reading never goes above the sensor maximum")
}

func TestSimRigIdleHoldsLevel(t *testing.T) {
	clk := newSimClock()
	rig := NewSimRig().WithClock(clk.Now).WithNoise(0)
	ctx := context.Background()

	clk.Advance(time.Hour)
	level, err := rig.ReadLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, level)
}

func TestSimRigBlowerDoesNotChangeLevel(t *testing.T) {
	clk := newSimClock()
	rig := NewSimRig().WithClock(clk.Now).WithNoise(0)
	ctx := context.Background()

	require.NoError(t, rig.SetActuator(ctx, models.ActuatorBlower, true))
	clk.Advance(time.Minute)
	level, err := rig.ReadLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, level)
}

func TestSimRigSetLevel(t *testing.T) {
	clk := newSimClock()
	rig := NewSimRig().WithClock(clk.Now).WithNoise(0)

	rig.SetLevel(42)
	level, err := rig.ReadLevel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.0, level)
}

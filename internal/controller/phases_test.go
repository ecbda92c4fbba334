package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbrctl/sbrctl/internal/models"
)

func phasesConfig() models.PhaseConfig {
	cfg := safetyConfig()
	cfg.Triplets = [3]models.TripletDurations{
		{Feed: 10 * time.Second, Unaerated: 20 * time.Second, Aerated: 30 * time.Second},
		{Feed: 11 * time.Second, Unaerated: 21 * time.Second, Aerated: 31 * time.Second},
		{Feed: 12 * time.Second, Unaerated: 22 * time.Second, Aerated: 32 * time.Second},
	}
	cfg.Settling = 60 * time.Second
	cfg.Draining = 45 * time.Second
	cfg.Standstill = 5 * time.Second
	return cfg
}

func TestBuildSequence(t *testing.T) {
	cfg := phasesConfig()
	cfg.NumCycles = 2

	seq := buildSequence(cfg)
	require.Len(t, seq, 9)

	assert.Equal(t, step{Phase: models.PhaseFeed, Rep: 0}, seq[0])
	assert.Equal(t, step{Phase: models.PhaseUnaerated, Rep: 0}, seq[1])
	assert.Equal(t, step{Phase: models.PhaseAerated, Rep: 0}, seq[2])
	assert.Equal(t, step{Phase: models.PhaseFeed, Rep: 1}, seq[3])
	assert.Equal(t, step{Phase: models.PhaseSettling}, seq[6])
	assert.Equal(t, step{Phase: models.PhaseDraining}, seq[7])
	assert.Equal(t, step{Phase: models.PhaseStandstill}, seq[8])
}

func TestBuildSequenceClampsRepetitions(t *testing.T) {
	cfg := phasesConfig()
	cfg.NumCycles = 0
	assert.Len(t, buildSequence(cfg), 6)
}

func TestStepDurationReusesThirdTriplet(t *testing.T) {
	cfg := phasesConfig()
	cfg.NumCycles = 5

	seq := buildSequence(cfg)
	require.Len(t, seq, 18)

	// Repetitions beyond the third run with the third profile's durations.
	assert.Equal(t, 12*time.Second, stepDuration(cfg, seq[9]))
	assert.Equal(t, 22*time.Second, stepDuration(cfg, seq[10]))
	assert.Equal(t, 32*time.Second, stepDuration(cfg, seq[11]))
	assert.Equal(t, 12*time.Second, stepDuration(cfg, seq[12]))
}

func TestEntryActuators(t *testing.T) {
	cfg := phasesConfig()

	feed := entryActuators(cfg, step{Phase: models.PhaseFeed})
	assert.True(t, feed[models.ActuatorInletPump])
	assert.False(t, feed[models.ActuatorDrainValve])
	assert.False(t, feed[models.ActuatorBlower])

	settling := entryActuators(cfg, step{Phase: models.PhaseSettling})
	for id, on := range settling {
		assert.False(t, on, "settling must switch %s off", id)
	}

	draining := entryActuators(cfg, step{Phase: models.PhaseDraining})
	assert.True(t, draining[models.ActuatorDrainValve])
	assert.False(t, draining[models.ActuatorInletPump])
}

func TestEntryActuatorsAerated(t *testing.T) {
	cfg := phasesConfig()

	cfg.AerationMode = models.AerationContinuous
	aerated := entryActuators(cfg, step{Phase: models.PhaseAerated})
	assert.True(t, aerated[models.ActuatorBlower])

	cfg.AerationMode = models.AerationPulse
	aerated = entryActuators(cfg, step{Phase: models.PhaseAerated})
	assert.False(t, aerated[models.ActuatorBlower], "pulse mode starts with the pause window")
}

func TestPulseBlowerOn(t *testing.T) {
	cfg := phasesConfig()
	cfg.PulsePause = 2 * time.Second
	cfg.PulseOn = 3 * time.Second

	tests := []struct {
		elapsed time.Duration
		want    bool
	}{
		{0, false},
		{time.Second, false},
		{2 * time.Second, true},
		{4 * time.Second, true},
		{5 * time.Second, false},
		{6 * time.Second, false},
		{7 * time.Second, true},
		{10 * time.Second, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pulseBlowerOn(cfg, tt.elapsed), "elapsed %s", tt.elapsed)
	}
}

func TestPulseBlowerOnZeroPeriod(t *testing.T) {
	cfg := phasesConfig()
	cfg.PulsePause = 0
	cfg.PulseOn = 0
	assert.False(t, pulseBlowerOn(cfg, 10*time.Second))
}

package controller

import (
	"time"

	"github.com/sbrctl/sbrctl/internal/models"
)

// step is one entry of the phase sequence: a phase kind plus the 0-based
// repetition index it belongs to. The sequence is data: entry actions and
// durations are looked up per step, never hard-coded per repetition.
type step struct {
	Phase models.Phase
	Rep   int
}

// buildSequence expands the configured repetition count into the ordered
// phase sequence of one cycle.
func buildSequence(cfg models.PhaseConfig) []step {
	n := cfg.NumCycles
	if n < 1 {
		n = 1
	}
	seq := make([]step, 0, n*3+3)
	for rep := 0; rep < n; rep++ {
		seq = append(seq,
			step{Phase: models.PhaseFeed, Rep: rep},
			step{Phase: models.PhaseUnaerated, Rep: rep},
			step{Phase: models.PhaseAerated, Rep: rep},
		)
	}
	seq = append(seq,
		step{Phase: models.PhaseSettling},
		step{Phase: models.PhaseDraining},
		step{Phase: models.PhaseStandstill},
	)
	return seq
}

// stepDuration returns the configured duration of a step. Zero means the
// step is skipped immediately; durations are fixed, never level-triggered.
func stepDuration(cfg models.PhaseConfig, st step) time.Duration {
	switch st.Phase {
	case models.PhaseFeed:
		return cfg.TripletFor(st.Rep).Feed
	case models.PhaseUnaerated:
		return cfg.TripletFor(st.Rep).Unaerated
	case models.PhaseAerated:
		return cfg.TripletFor(st.Rep).Aerated
	case models.PhaseSettling:
		return cfg.Settling
	case models.PhaseDraining:
		return cfg.Draining
	case models.PhaseStandstill:
		return cfg.Standstill
	}
	return 0
}

// entryActuators returns the full actuator set asserted when a step is
// entered. Every actuator gets an explicit value so a phase change always
// leaves the outputs in a known state.
func entryActuators(cfg models.PhaseConfig, st step) map[models.ActuatorID]bool {
	want := map[models.ActuatorID]bool{
		models.ActuatorInletPump:  false,
		models.ActuatorDrainValve: false,
		models.ActuatorBlower:     false,
	}
	switch st.Phase {
	case models.PhaseFeed:
		want[models.ActuatorInletPump] = true
	case models.PhaseAerated:
		// Pulse aeration starts with its pause window, so the blower stays
		// off on entry and the sub-timer turns it on.
		want[models.ActuatorBlower] = cfg.AerationMode == models.AerationContinuous
	case models.PhaseDraining:
		want[models.ActuatorDrainValve] = true
	}
	return want
}

// aerationModeFor reports the active sub-mode during a phase.
func aerationModeFor(cfg models.PhaseConfig, phase models.Phase) models.AerationMode {
	if phase == models.PhaseAerated {
		return cfg.AerationMode
	}
	return models.AerationNone
}

// pulseBlowerOn evaluates the pulse sub-timer for the given elapsed time
// in the aerated phase. The pattern is pause first, then on, repeating.
func pulseBlowerOn(cfg models.PhaseConfig, phaseElapsed time.Duration) bool {
	period := cfg.PulsePause + cfg.PulseOn
	if period <= 0 {
		return false
	}
	pos := phaseElapsed % period
	return pos >= cfg.PulsePause
}

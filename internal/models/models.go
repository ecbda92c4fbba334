// Package models provides data structures and constants for sbrd.
//
// This package contains the core domain models used throughout the
// controller daemon:
//   - Phase: a named stage of the treatment cycle
//   - ActuatorID: a controllable output (pump, valve, blower)
//   - PhaseConfig: the immutable timing/safety snapshot a cycle runs with
//   - Event: an append-only controller event for the push/persistence layer
//   - StatusSnapshot: the externally visible controller state
//
// All models are designed for JSON serialization toward the API and
// websocket push layer.
package models

import "time"

// Phase represents a named stage of the treatment cycle.
//
// The controller walks an ordered sequence built from the configured
// repetition count:
//
//	IDLE → (FEED → UNAERATED → AERATED) × num_cycles → SETTLING → DRAINING → STANDSTILL → IDLE
//
// EMERGENCY_STOP and ERROR are reachable from any phase and leave the
// sequence; recovery requires an explicit reset back to IDLE.
type Phase string

const (
	// PhaseIdle means no cycle is running.
	PhaseIdle Phase = "idle"
	// PhaseFeed fills the tank through the inlet pump for a fixed duration.
	PhaseFeed Phase = "feed"
	// PhaseUnaerated is the denitrification stage; all actuators idle.
	PhaseUnaerated Phase = "unaerated"
	// PhaseAerated is the nitrification stage; the blower runs in the
	// configured aeration sub-mode.
	PhaseAerated Phase = "aerated"
	// PhaseSettling lets sludge settle with everything off.
	PhaseSettling Phase = "settling"
	// PhaseDraining discharges clear water through the drain valve.
	PhaseDraining Phase = "draining"
	// PhaseStandstill is the rest stage at the end of a cycle.
	PhaseStandstill Phase = "standstill"
	// PhaseEmergencyStop is entered on any safety alarm or operator
	// emergency stop. All actuators are off.
	PhaseEmergencyStop Phase = "emergency_stop"
	// PhaseError is entered when the control loop fails internally.
	PhaseError Phase = "error"
)

// AerationMode selects how the blower runs during aerated phases.
type AerationMode string

const (
	// AerationNone means the blower is not driven by the aeration logic.
	AerationNone AerationMode = "none"
	// AerationContinuous keeps the blower on for the whole aerated phase.
	AerationContinuous AerationMode = "continuous"
	// AerationPulse alternates the blower off/on using the configured
	// t_stosspause/t_stossan sub-timers.
	AerationPulse AerationMode = "pulse"
)

// ActuatorID addresses a controllable physical output.
type ActuatorID string

const (
	ActuatorInletPump  ActuatorID = "inlet_pump"
	ActuatorDrainValve ActuatorID = "drain_valve"
	ActuatorBlower     ActuatorID = "blower"
)

// Actuators lists every known actuator in a stable order.
func Actuators() []ActuatorID {
	return []ActuatorID{ActuatorInletPump, ActuatorDrainValve, ActuatorBlower}
}

// KnownActuator reports whether id addresses a configured output.
func KnownActuator(id ActuatorID) bool {
	switch id {
	case ActuatorInletPump, ActuatorDrainValve, ActuatorBlower:
		return true
	}
	return false
}

// Severity classifies events for the push and persistence layers.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is an append-only record emitted by the controller. The controller
// guarantees emission order, not persistence; storage is the daemon's job.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// TripletDurations holds the timing of one feed/unaerated/aerated triplet.
type TripletDurations struct {
	Feed      time.Duration
	Unaerated time.Duration
	Aerated   time.Duration
}

// PhaseConfig is the immutable configuration snapshot a cycle runs with.
// It is captured when a cycle starts; later configuration edits never
// affect a running cycle.
type PhaseConfig struct {
	// Triplets holds the durations for the first three feed/unaerated/
	// aerated repetitions. Repetitions beyond the third reuse the third
	// triplet's durations; this replication is a deliberate design choice.
	Triplets [3]TripletDurations

	Settling   time.Duration
	Draining   time.Duration
	Standstill time.Duration

	// NumCycles is the number of feed/unaerated/aerated repetitions per
	// cycle, at least 1.
	NumCycles int

	// AerationMode applies to every aerated phase of the cycle.
	AerationMode AerationMode
	// PulseOn/PulsePause are the t_stossan/t_stosspause sub-timers for
	// pulse aeration. The pattern starts with the pause.
	PulseOn    time.Duration
	PulsePause time.Duration

	// Level alarms in centimeters of distance from the sensor. The water
	// surface moving up makes the reading smaller, so the high-level alarm
	// is the lower number of the two.
	HighLevelAlarm float64
	LowLevelAlarm  float64

	MaxCycleDuration time.Duration
	// MaxRuntime limits accumulated per-cycle runtime per actuator; zero
	// means no limit for that actuator.
	MaxRuntime map[ActuatorID]time.Duration

	SampleInterval   time.Duration
	MinStartInterval time.Duration
}

// TripletFor returns the durations for the given repetition index
// (0-based). Indexes past the configured three profiles reuse the third.
func (c PhaseConfig) TripletFor(rep int) TripletDurations {
	if rep < 0 {
		rep = 0
	}
	if rep > 2 {
		rep = 2
	}
	return c.Triplets[rep]
}

// CycleError records a failure kept in the controller's recent error ring.
type CycleError struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// CycleStats are running statistics that persist across cycles and reset
// only on controller restart.
type CycleStats struct {
	CyclesCompleted int          `json:"cycles_completed"`
	TotalRuntime    float64      `json:"total_runtime_seconds"`
	RecentErrors    []CycleError `json:"recent_errors,omitempty"`
	LastCycleStart  *time.Time   `json:"last_cycle_start,omitempty"`
	LastCycleEnd    *time.Time   `json:"last_cycle_end,omitempty"`
}

// StatusSnapshot is the controller state as exposed to the API and push
// layers. Elapsed fields are seconds.
type StatusSnapshot struct {
	Phase            Phase               `json:"phase"`
	Repetition       int                 `json:"repetition"`
	PhaseElapsed     float64             `json:"phase_elapsed"`
	CycleElapsed     float64             `json:"cycle_elapsed"`
	Level            float64             `json:"level"`
	Actuators        map[ActuatorID]bool `json:"actuators"`
	AerationMode     AerationMode        `json:"aeration_mode"`
	Running          bool                `json:"running"`
	Paused           bool                `json:"paused"`
	EmergencyStopped bool                `json:"emergency_stopped"`
	HardwareMode     string              `json:"hardware_mode"`
	Stats            CycleStats          `json:"stats"`
	Timestamp        time.Time           `json:"timestamp"`
}

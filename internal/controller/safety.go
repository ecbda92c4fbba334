package controller

import (
	"fmt"
	"time"

	"github.com/sbrctl/sbrctl/internal/models"
)

// VerdictKind classifies a safety evaluation result.
type VerdictKind string

const (
	VerdictOK              VerdictKind = "ok"
	VerdictLevelHigh       VerdictKind = "level_high"
	VerdictLevelLow        VerdictKind = "level_low"
	VerdictRuntimeExceeded VerdictKind = "runtime_exceeded"
	VerdictCycleTimeout    VerdictKind = "cycle_timeout"
)

// Verdict is the outcome of one safety evaluation. Any non-OK verdict is
// fatal to the current cycle: the control loop forces an emergency stop and
// an operator reset is required.
type Verdict struct {
	Kind     VerdictKind
	Actuator models.ActuatorID
	Detail   string
}

// OK reports whether the verdict allows the cycle to continue.
func (v Verdict) OK() bool { return v.Kind == VerdictOK }

// EvaluateSafety checks the current level, accumulated actuator runtimes,
// and cycle elapsed time against the configured thresholds. It is a pure
// function of its inputs.
//
// Level is distance from the sensor: a rising water surface shortens the
// reading, so the high-level alarm fires at or below HighLevelAlarm and
// the low-level alarm at or above LowLevelAlarm.
func EvaluateSafety(level float64, runtimes map[models.ActuatorID]time.Duration, cycleElapsed time.Duration, cfg models.PhaseConfig) Verdict {
	if level <= cfg.HighLevelAlarm {
		return Verdict{
			Kind:   VerdictLevelHigh,
			Detail: fmt.Sprintf("level %.1fcm at or below high alarm %.1fcm", level, cfg.HighLevelAlarm),
		}
	}
	if level >= cfg.LowLevelAlarm {
		return Verdict{
			Kind:   VerdictLevelLow,
			Detail: fmt.Sprintf("level %.1fcm at or above low alarm %.1fcm", level, cfg.LowLevelAlarm),
		}
	}
	for _, id := range models.Actuators() {
		limit := cfg.MaxRuntime[id]
		if limit <= 0 {
			continue
		}
		if runtimes[id] > limit {
			return Verdict{
				Kind:     VerdictRuntimeExceeded,
				Actuator: id,
				Detail:   fmt.Sprintf("%s ran %s, limit %s", id, runtimes[id], limit),
			}
		}
	}
	if cfg.MaxCycleDuration > 0 && cycleElapsed > cfg.MaxCycleDuration {
		return Verdict{
			Kind:   VerdictCycleTimeout,
			Detail: fmt.Sprintf("cycle ran %s, limit %s", cycleElapsed, cfg.MaxCycleDuration),
		}
	}
	return Verdict{Kind: VerdictOK}
}

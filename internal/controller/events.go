package controller

import "github.com/sbrctl/sbrctl/internal/models"

// Event kinds emitted by the controller. The status kind is push-only and
// is not persisted by the daemon.
const (
	EventKindCycleStarted   = "cycle.started"
	EventKindCycleStopped   = "cycle.stopped"
	EventKindCycleCompleted = "cycle.completed"
	EventKindCyclePaused    = "cycle.paused"
	EventKindCycleResumed   = "cycle.resumed"

	EventKindPhaseChanged     = "phase.changed"
	EventKindComponentChanged = "component.changed"
	EventKindConfigUpdated    = "config.updated"

	EventKindSafetyAlarm     = "safety.alarm"
	EventKindHardwareFault   = "hardware.fault"
	EventKindEmergencyStop   = "emergency.stop"
	EventKindEmergencyReset  = "emergency.reset"
	EventKindControllerError = "controller.error"

	EventKindStatus = "controller.status"
)

// PushOnlyEvent reports whether an event kind is meant for the live push
// stream only and should be skipped by the persistence layer.
func PushOnlyEvent(kind string) bool {
	return kind == EventKindStatus
}

func severityFor(kind string) models.Severity {
	switch kind {
	case EventKindSafetyAlarm, EventKindEmergencyStop, EventKindControllerError:
		return models.SeverityCritical
	case EventKindHardwareFault:
		return models.SeverityError
	case EventKindCyclePaused:
		return models.SeverityWarning
	default:
		return models.SeverityInfo
	}
}

// Package hardware abstracts the plant outputs and the level sensor.
//
// The controller talks to a Rig and never learns whether the rig is the
// in-memory simulation or the GPIO relay board; the implementation is
// selected once at startup.
package hardware

import (
	"context"
	"fmt"

	"github.com/sbrctl/sbrctl/internal/models"
)

// Mode reports which rig implementation is in use.
type Mode string

const (
	ModeSimulated Mode = "simulated"
	ModePhysical  Mode = "physical"
)

// Rig is the hardware capability interface consumed by the controller.
// Implementations must be safe for concurrent use.
type Rig interface {
	// SetActuator drives the logical output. The call is expected to be
	// bounded-latency; callers wrap rigs in a Guard to enforce that.
	SetActuator(ctx context.Context, id models.ActuatorID, on bool) error
	// ReadLevel returns the water level as distance from the sensor in
	// centimeters. Smaller readings mean more water.
	ReadLevel(ctx context.Context) (float64, error)
	Mode() Mode
	Close() error
}

// Fault wraps an I/O failure or timeout talking to the rig. The affected
// actuator state must not be assumed changed.
type Fault struct {
	Op       string
	Actuator models.ActuatorID
	Err      error
}

func (f *Fault) Error() string {
	if f.Actuator != "" {
		return fmt.Sprintf("hardware %s %s: %v", f.Op, f.Actuator, f.Err)
	}
	return fmt.Sprintf("hardware %s: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

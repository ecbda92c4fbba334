package hardware

import (
	"context"
	"errors"
	"time"

	"github.com/sbrctl/sbrctl/internal/models"
)

// ErrCallTimeout marks a hardware call that exceeded the guard deadline.
// The affected actuator state must not be assumed changed.
var ErrCallTimeout = errors.New("hardware call timed out")

// Guard wraps a Rig and bounds every call with a timeout so a hung driver
// can never stall the control loop's safety evaluation.
type Guard struct {
	rig     Rig
	timeout time.Duration
}

// NewGuard wraps rig with a per-call timeout.
func NewGuard(rig Rig, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Guard{rig: rig, timeout: timeout}
}

func (g *Guard) SetActuator(ctx context.Context, id models.ActuatorID, on bool) error {
	err := g.call(ctx, func(callCtx context.Context) error {
		return g.rig.SetActuator(callCtx, id, on)
	})
	if errors.Is(err, ErrCallTimeout) {
		return &Fault{Op: "set", Actuator: id, Err: ErrCallTimeout}
	}
	return err
}

func (g *Guard) ReadLevel(ctx context.Context) (float64, error) {
	var level float64
	err := g.call(ctx, func(callCtx context.Context) error {
		var callErr error
		level, callErr = g.rig.ReadLevel(callCtx)
		return callErr
	})
	if errors.Is(err, ErrCallTimeout) {
		return 0, &Fault{Op: "read_level", Err: ErrCallTimeout}
	}
	return level, err
}

func (g *Guard) Mode() Mode { return g.rig.Mode() }

func (g *Guard) Close() error { return g.rig.Close() }

// call runs fn in its own goroutine and abandons it after the timeout. An
// abandoned call keeps its goroutine until the underlying driver returns;
// the buffered channel lets it finish without leaking a blocked send.
func (g *Guard) call(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()
	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrCallTimeout
	}
}

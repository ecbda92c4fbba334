package hardware

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sbrctl/sbrctl/internal/models"
)

const (
	sysfsGPIORoot   = "/sys/class/gpio"
	echoPollTimeout = 100 * time.Millisecond
	// Speed of sound: 343 m/s, halved for the round trip, in cm/s.
	soundCmPerSecond = 17150.0
)

// GPIORig drives relay outputs and the ultrasonic level sensor through the
// kernel sysfs GPIO interface.
type GPIORig struct {
	mu         sync.Mutex
	pins       map[models.ActuatorID]int
	activeLow  bool
	triggerPin int
	echoPin    int
	root       string
	exported   map[int]bool
}

// GPIOConfig carries the pin assignment for a GPIORig.
type GPIOConfig struct {
	Pins       map[models.ActuatorID]int
	ActiveLow  bool
	TriggerPin int
	EchoPin    int
}

// NewGPIORig validates the pin map and prepares the rig. Pins are exported
// lazily on first use.
func NewGPIORig(cfg GPIOConfig) (*GPIORig, error) {
	if len(cfg.Pins) == 0 {
		return nil, errors.New("gpio rig requires an actuator pin map")
	}
	for id, pin := range cfg.Pins {
		if pin <= 0 {
			return nil, fmt.Errorf("gpio pin for %s must be positive", id)
		}
	}
	return &GPIORig{
		pins:       cfg.Pins,
		activeLow:  cfg.ActiveLow,
		triggerPin: cfg.TriggerPin,
		echoPin:    cfg.EchoPin,
		root:       sysfsGPIORoot,
		exported:   make(map[int]bool),
	}, nil
}

func (r *GPIORig) SetActuator(_ context.Context, id models.ActuatorID, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pin, ok := r.pins[id]
	if !ok {
		return &Fault{Op: "set", Actuator: id, Err: errors.New("no pin assigned")}
	}
	if err := r.ensureOutput(pin); err != nil {
		return &Fault{Op: "set", Actuator: id, Err: err}
	}
	level := on
	if r.activeLow {
		level = !on
	}
	if err := r.writePin(pin, "value", boolToLevel(level)); err != nil {
		return &Fault{Op: "set", Actuator: id, Err: err}
	}
	return nil
}

func (r *GPIORig) ReadLevel(ctx context.Context) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.triggerPin <= 0 || r.echoPin <= 0 {
		return 0, &Fault{Op: "read_level", Err: errors.New("level sensor pins not configured")}
	}
	if err := r.ensureOutput(r.triggerPin); err != nil {
		return 0, &Fault{Op: "read_level", Err: err}
	}
	if err := r.ensureInput(r.echoPin); err != nil {
		return 0, &Fault{Op: "read_level", Err: err}
	}

	// 10µs trigger pulse starts a measurement on the HC-SR04.
	if err := r.writePin(r.triggerPin, "value", "0"); err != nil {
		return 0, &Fault{Op: "read_level", Err: err}
	}
	time.Sleep(10 * time.Microsecond)
	if err := r.writePin(r.triggerPin, "value", "1"); err != nil {
		return 0, &Fault{Op: "read_level", Err: err}
	}
	time.Sleep(10 * time.Microsecond)
	if err := r.writePin(r.triggerPin, "value", "0"); err != nil {
		return 0, &Fault{Op: "read_level", Err: err}
	}

	start, err := r.waitEcho(ctx, "1")
	if err != nil {
		return 0, err
	}
	end, err := r.waitEcho(ctx, "0")
	if err != nil {
		return 0, err
	}
	distance := end.Sub(start).Seconds() * soundCmPerSecond
	return distance, nil
}

func (r *GPIORig) Mode() Mode { return ModePhysical }

// Close unexports every pin this rig touched.
func (r *GPIORig) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for pin := range r.exported {
		err := os.WriteFile(filepath.Join(r.root, "unexport"), []byte(strconv.Itoa(pin)), 0o644)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unexport gpio %d: %w", pin, err)
		}
	}
	r.exported = make(map[int]bool)
	return firstErr
}

func (r *GPIORig) waitEcho(ctx context.Context, want string) (time.Time, error) {
	deadline := time.Now().Add(echoPollTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return time.Time{}, &Fault{Op: "read_level", Err: err}
		}
		value, err := r.readPin(r.echoPin, "value")
		if err != nil {
			return time.Time{}, &Fault{Op: "read_level", Err: err}
		}
		if value == want {
			return time.Now(), nil
		}
		if time.Now().After(deadline) {
			return time.Time{}, &Fault{Op: "read_level", Err: errors.New("echo timeout")}
		}
	}
}

func (r *GPIORig) ensureOutput(pin int) error {
	if err := r.export(pin); err != nil {
		return err
	}
	return r.writePin(pin, "direction", "out")
}

func (r *GPIORig) ensureInput(pin int) error {
	if err := r.export(pin); err != nil {
		return err
	}
	return r.writePin(pin, "direction", "in")
}

func (r *GPIORig) export(pin int) error {
	if r.exported[pin] {
		return nil
	}
	path := filepath.Join(r.root, "export")
	if err := os.WriteFile(path, []byte(strconv.Itoa(pin)), 0o644); err != nil && !os.IsExist(err) {
		// EBUSY means the pin is already exported; treat as success.
		if !errors.Is(err, os.ErrExist) && !isBusy(err) {
			return fmt.Errorf("export gpio %d: %w", pin, err)
		}
	}
	r.exported[pin] = true
	return nil
}

func (r *GPIORig) writePin(pin int, attr, value string) error {
	path := filepath.Join(r.root, fmt.Sprintf("gpio%d", pin), attr)
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (r *GPIORig) readPin(pin int, attr string) (string, error) {
	path := filepath.Join(r.root, fmt.Sprintf("gpio%d", pin), attr)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	out := string(data)
	if len(out) > 0 && out[len(out)-1] == '\n' {
		out = out[:len(out)-1]
	}
	return out, nil
}

func boolToLevel(high bool) string {
	if high {
		return "1"
	}
	return "0"
}

func isBusy(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return pathErr.Err.Error() == "device or resource busy"
	}
	return false
}

// Package config loads and validates the sbrd YAML configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sbrctl/sbrctl/internal/models"
)

const (
	// MaxNumCycles caps the feed/unaerated/aerated repetitions per cycle.
	MaxNumCycles = 10
)

// Config holds the full daemon configuration. Zero values are filled from
// DefaultConfig; YAML overrides are applied on top.
type Config struct {
	ConfigPath string `yaml:"-"`

	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`
	DBPath        string `yaml:"db_path"`
	LogLevel      string `yaml:"log_level"`

	Hardware HardwareConfig `yaml:"hardware"`

	PhaseDurations PhaseDurations `yaml:"phase_durations"`
	Aeration       Aeration       `yaml:"aeration"`
	Safety         Safety         `yaml:"safety"`

	NumCycles int `yaml:"num_cycles"`

	// Intervals in seconds.
	SampleInterval     float64 `yaml:"sample_interval"`
	StatusPushInterval float64 `yaml:"status_push_interval"`
	LogInterval        float64 `yaml:"log_interval"`
	MinStartInterval   float64 `yaml:"min_start_interval"`
}

// HardwareConfig selects the rig implementation and its pin map.
type HardwareConfig struct {
	// Mode is "simulated" or "gpio".
	Mode string `yaml:"mode"`
	// Pins maps actuator ids to BCM pin numbers for the gpio rig.
	Pins map[models.ActuatorID]int `yaml:"pins"`
	// ActiveLow inverts the written pin levels (relay boards are usually
	// active-low).
	ActiveLow bool `yaml:"active_low"`
	// Level sensor pins for the ultrasonic rangefinder.
	LevelTriggerPin int `yaml:"level_trigger_pin"`
	LevelEchoPin    int `yaml:"level_echo_pin"`
	// CallTimeout bounds every hardware call, in seconds.
	CallTimeout float64 `yaml:"call_timeout"`
}

// PhaseDurations carries the per-phase timing in seconds. The keys match
// the operator-facing parameter names.
type PhaseDurations struct {
	TZ1    float64 `yaml:"t_z1"`
	TD1    float64 `yaml:"t_d1"`
	TN1    float64 `yaml:"t_n1"`
	TZ2    float64 `yaml:"t_z2"`
	TD2    float64 `yaml:"t_d2"`
	TN2    float64 `yaml:"t_n2"`
	TZ3    float64 `yaml:"t_z3"`
	TD3    float64 `yaml:"t_d3"`
	TN3    float64 `yaml:"t_n3"`
	TSed   float64 `yaml:"t_sed"`
	TAbzug float64 `yaml:"t_abzug"`
	TStill float64 `yaml:"t_still"`
}

// Aeration configures the blower sub-mode for aerated phases.
type Aeration struct {
	Mode models.AerationMode `yaml:"mode"`
	// Pulse sub-timers in seconds; the pattern starts with the pause.
	TStossan    float64 `yaml:"t_stossan"`
	TStosspause float64 `yaml:"t_stosspause"`
}

// Safety holds the interlock thresholds.
type Safety struct {
	// Level alarms are distance-from-sensor in centimeters; the high-level
	// alarm is the smaller number.
	HighLevelAlarm   float64 `yaml:"high_level_alarm"`
	LowLevelAlarm    float64 `yaml:"low_level_alarm"`
	MaxCycleDuration float64 `yaml:"max_cycle_duration"`
	// MaxRuntime per actuator in seconds; zero disables the limit.
	MaxRuntime map[models.ActuatorID]float64 `yaml:"max_runtime"`
}

// DefaultConfig mirrors the reference plant setup.
func DefaultConfig() Config {
	return Config{
		ConfigPath:    "/etc/sbrd/config.yaml",
		Listen:        "0.0.0.0:8080",
		MetricsListen: "",
		DBPath:        "/var/lib/sbrd/sbrd.db",
		LogLevel:      "info",
		Hardware: HardwareConfig{
			Mode: "simulated",
			Pins: map[models.ActuatorID]int{
				models.ActuatorInletPump:  22,
				models.ActuatorDrainValve: 27,
				models.ActuatorBlower:     17,
			},
			ActiveLow:       true,
			LevelTriggerPin: 23,
			LevelEchoPin:    24,
			CallTimeout:     2,
		},
		PhaseDurations: PhaseDurations{
			TZ1: 600, TD1: 900, TN1: 3600,
			TZ2: 600, TD2: 900, TN2: 3600,
			TZ3: 600, TD3: 900, TN3: 3600,
			TSed: 3600, TAbzug: 1200, TStill: 600,
		},
		Aeration: Aeration{
			Mode:        models.AerationContinuous,
			TStossan:    30,
			TStosspause: 300,
		},
		Safety: Safety{
			HighLevelAlarm:   15,
			LowLevelAlarm:    120,
			MaxCycleDuration: 24 * 3600,
			MaxRuntime: map[models.ActuatorID]float64{
				models.ActuatorInletPump:  3600,
				models.ActuatorDrainValve: 7200,
				models.ActuatorBlower:     12 * 3600,
			},
		},
		NumCycles:          3,
		SampleInterval:     1,
		StatusPushInterval: 5,
		LogInterval:        30,
		MinStartInterval:   10,
	}
}

// Load reads the YAML config file over the defaults and validates it.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks ranges and listener addresses.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen must be host:port: %w", err)
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	switch c.Hardware.Mode {
	case "simulated", "gpio":
	default:
		return fmt.Errorf("hardware.mode must be simulated or gpio (got %q)", c.Hardware.Mode)
	}
	if c.Hardware.CallTimeout <= 0 {
		return fmt.Errorf("hardware.call_timeout must be positive")
	}
	for _, id := range models.Actuators() {
		if c.Hardware.Mode == "gpio" {
			if pin, ok := c.Hardware.Pins[id]; !ok || pin <= 0 {
				return fmt.Errorf("hardware.pins.%s must be a positive pin number", id)
			}
		}
	}
	for key, value := range c.PhaseDurations.Map() {
		if value < 0 {
			return fmt.Errorf("phase_durations.%s must be >= 0 (got %v)", key, value)
		}
	}
	switch c.Aeration.Mode {
	case models.AerationContinuous:
	case models.AerationPulse:
		if c.Aeration.TStossan <= 0 {
			return fmt.Errorf("aeration.t_stossan must be positive for pulse mode")
		}
		if c.Aeration.TStosspause <= 0 {
			return fmt.Errorf("aeration.t_stosspause must be positive for pulse mode")
		}
	default:
		return fmt.Errorf("aeration.mode must be continuous or pulse (got %q)", c.Aeration.Mode)
	}
	if c.Safety.HighLevelAlarm <= 0 {
		return fmt.Errorf("safety.high_level_alarm must be positive")
	}
	if c.Safety.LowLevelAlarm <= c.Safety.HighLevelAlarm {
		// Distance semantics: the low-level alarm is the larger reading.
		return fmt.Errorf("safety.low_level_alarm must be greater than high_level_alarm")
	}
	if c.Safety.MaxCycleDuration <= 0 {
		return fmt.Errorf("safety.max_cycle_duration must be positive")
	}
	for id, limit := range c.Safety.MaxRuntime {
		if !models.KnownActuator(id) {
			return fmt.Errorf("safety.max_runtime: unknown actuator %q", id)
		}
		if limit < 0 {
			return fmt.Errorf("safety.max_runtime.%s must be >= 0", id)
		}
	}
	if c.NumCycles < 1 || c.NumCycles > MaxNumCycles {
		return fmt.Errorf("num_cycles must be between 1 and %d (got %d)", MaxNumCycles, c.NumCycles)
	}
	if c.SampleInterval <= 0 {
		return fmt.Errorf("sample_interval must be positive")
	}
	if c.StatusPushInterval <= 0 {
		return fmt.Errorf("status_push_interval must be positive")
	}
	if c.LogInterval <= 0 {
		return fmt.Errorf("log_interval must be positive")
	}
	if c.MinStartInterval < 0 {
		return fmt.Errorf("min_start_interval must be >= 0")
	}
	return nil
}

// Map returns the durations keyed by their operator-facing names.
func (d PhaseDurations) Map() map[string]float64 {
	return map[string]float64{
		"t_z1": d.TZ1, "t_d1": d.TD1, "t_n1": d.TN1,
		"t_z2": d.TZ2, "t_d2": d.TD2, "t_n2": d.TN2,
		"t_z3": d.TZ3, "t_d3": d.TD3, "t_n3": d.TN3,
		"t_sed": d.TSed, "t_abzug": d.TAbzug, "t_still": d.TStill,
	}
}

// PhaseConfig builds the immutable snapshot the controller runs cycles
// with.
func (c Config) PhaseConfig() models.PhaseConfig {
	maxRuntime := make(map[models.ActuatorID]time.Duration, len(c.Safety.MaxRuntime))
	for id, limit := range c.Safety.MaxRuntime {
		maxRuntime[id] = seconds(limit)
	}
	return models.PhaseConfig{
		Triplets: [3]models.TripletDurations{
			{Feed: seconds(c.PhaseDurations.TZ1), Unaerated: seconds(c.PhaseDurations.TD1), Aerated: seconds(c.PhaseDurations.TN1)},
			{Feed: seconds(c.PhaseDurations.TZ2), Unaerated: seconds(c.PhaseDurations.TD2), Aerated: seconds(c.PhaseDurations.TN2)},
			{Feed: seconds(c.PhaseDurations.TZ3), Unaerated: seconds(c.PhaseDurations.TD3), Aerated: seconds(c.PhaseDurations.TN3)},
		},
		Settling:         seconds(c.PhaseDurations.TSed),
		Draining:         seconds(c.PhaseDurations.TAbzug),
		Standstill:       seconds(c.PhaseDurations.TStill),
		NumCycles:        c.NumCycles,
		AerationMode:     c.Aeration.Mode,
		PulseOn:          seconds(c.Aeration.TStossan),
		PulsePause:       seconds(c.Aeration.TStosspause),
		HighLevelAlarm:   c.Safety.HighLevelAlarm,
		LowLevelAlarm:    c.Safety.LowLevelAlarm,
		MaxCycleDuration: seconds(c.Safety.MaxCycleDuration),
		MaxRuntime:       maxRuntime,
		SampleInterval:   seconds(c.SampleInterval),
		MinStartInterval: seconds(c.MinStartInterval),
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sbrctl/sbrctl/internal/models"
)

// Rejection reasons returned to callers when a command is not valid in the
// current state. They are machine-readable and stable.
const (
	ReasonAlreadyRunning      = "already_running"
	ReasonNotRunning          = "not_running"
	ReasonAlreadyPaused       = "already_paused"
	ReasonNotPaused           = "not_paused"
	ReasonEmergencyActive     = "emergency_active"
	ReasonErrorActive         = "error_active"
	ReasonNotEmergencyStopped = "not_emergency_stopped"
	ReasonCycleRunning        = "cycle_running"
	ReasonUnknownComponent    = "unknown_component"
	ReasonStartInterval       = "start_interval_active"
)

// CommandError marks a command that was rejected without any state change.
type CommandError struct {
	Reason string
}

func (e *CommandError) Error() string { return "command rejected: " + e.Reason }

// ConfigError marks a configuration edit rejected before being applied.
type ConfigError struct {
	Field  string
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Detail)
}

func reject(reason string) error { return &CommandError{Reason: reason} }

// Start snapshots the pending configuration and begins a new cycle.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishCommand("start", c.startLocked(ctx))
}

func (c *Controller) startLocked(ctx context.Context) error {
	if c.emergencyStopped {
		return reject(ReasonEmergencyActive)
	}
	if c.phase == models.PhaseError {
		return reject(ReasonErrorActive)
	}
	if c.running {
		return reject(ReasonAlreadyRunning)
	}
	now := c.now()
	c.cfg = clonePhaseConfig(c.pending)
	c.sequence = buildSequence(c.cfg)
	c.runtimes = make(map[models.ActuatorID]time.Duration)
	c.cycleStartedAt = now
	c.cyclePaused = 0
	start := now
	c.stats.LastCycleStart = &start
	c.running = true
	c.paused = false
	c.lastTick = now
	c.enterStepLocked(ctx, now, 0)
	c.log.Info().Int("phases", len(c.sequence)).Int("num_cycles", c.cfg.NumCycles).Msg("cycle started")
	c.publishLocked(now, EventKindCycleStarted, "treatment cycle started", map[string]any{
		"num_cycles": c.cfg.NumCycles,
		"phases":     len(c.sequence),
	})
	return nil
}

// Stop aborts the running cycle and turns every actuator off.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishCommand("stop", c.stopLocked(ctx))
}

func (c *Controller) stopLocked(ctx context.Context) error {
	if !c.running {
		return reject(ReasonNotRunning)
	}
	now := c.now()
	c.allOffLocked(ctx, now)
	elapsed := c.cycleElapsedLocked(now)
	c.stats.TotalRuntime += elapsed.Seconds()
	end := now
	c.stats.LastCycleEnd = &end
	c.running = false
	c.paused = false
	c.phase = models.PhaseIdle
	c.repetition = 0
	c.metrics.IncCycle("stopped")
	c.log.Info().Dur("elapsed", elapsed).Msg("cycle stopped")
	c.publishLocked(now, EventKindCycleStopped, "treatment cycle stopped", map[string]any{
		"elapsed": elapsed.Seconds(),
	})
	return nil
}

// Pause freezes elapsed-time accounting and drives the actuators to their
// inactive set. The phase itself neither advances nor resets.
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishCommand("pause", c.pauseLocked(ctx))
}

func (c *Controller) pauseLocked(ctx context.Context) error {
	if !c.running {
		return reject(ReasonNotRunning)
	}
	if c.paused {
		return reject(ReasonAlreadyPaused)
	}
	now := c.now()
	c.paused = true
	c.pausedAt = now
	c.allOffLocked(ctx, now)
	c.log.Info().Str("phase", string(c.phase)).Msg("cycle paused")
	c.publishLocked(now, EventKindCyclePaused, "treatment cycle paused", nil)
	return nil
}

// Resume folds the paused duration into the offset accounting and
// re-applies the current phase's entry actuator set.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishCommand("resume", c.resumeLocked(ctx))
}

func (c *Controller) resumeLocked(ctx context.Context) error {
	if !c.running {
		return reject(ReasonNotRunning)
	}
	if !c.paused {
		return reject(ReasonNotPaused)
	}
	now := c.now()
	pausedFor := now.Sub(c.pausedAt)
	if pausedFor < 0 {
		pausedFor = 0
	}
	c.phasePaused += pausedFor
	c.cyclePaused += pausedFor
	c.paused = false
	c.applyActuatorsLocked(ctx, now, entryActuators(c.cfg, c.sequence[c.seqIndex]))
	c.log.Info().Dur("paused_for", pausedFor).Msg("cycle resumed")
	c.publishLocked(now, EventKindCycleResumed, "treatment cycle resumed", map[string]any{
		"paused_for": pausedFor.Seconds(),
	})
	return nil
}

// EmergencyStop is accepted in every state. Actuators are commanded off
// before the emergency flag becomes observable.
func (c *Controller) EmergencyStop(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emergencyStopLocked(ctx, c.now(), "operator")
	c.metrics.IncCommand("emergency_stop", "accepted")
}

// ResetEmergency clears the emergency or error state back to idle. It
// never resumes the interrupted phase.
func (c *Controller) ResetEmergency(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishCommand("reset_emergency", c.resetEmergencyLocked(ctx))
}

func (c *Controller) resetEmergencyLocked(_ context.Context) error {
	if !c.emergencyStopped && c.phase != models.PhaseError {
		return reject(ReasonNotEmergencyStopped)
	}
	now := c.now()
	c.emergencyStopped = false
	c.phase = models.PhaseIdle
	c.repetition = 0
	c.log.Info().Msg("emergency stop reset")
	c.publishLocked(now, EventKindEmergencyReset, "emergency stop reset", nil)
	return nil
}

// SetComponent manually drives one actuator. It is only valid while no
// cycle is running and honors the per-actuator minimum interval between
// starts that protects pump motors from rapid cycling.
func (c *Controller) SetComponent(ctx context.Context, id models.ActuatorID, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishCommand("set_component", c.setComponentLocked(ctx, id, on))
}

func (c *Controller) setComponentLocked(ctx context.Context, id models.ActuatorID, on bool) error {
	if c.running {
		return reject(ReasonCycleRunning)
	}
	if c.emergencyStopped {
		return reject(ReasonEmergencyActive)
	}
	if c.phase == models.PhaseError {
		return reject(ReasonErrorActive)
	}
	if !models.KnownActuator(id) {
		return reject(ReasonUnknownComponent)
	}
	now := c.now()
	if on && c.pending.MinStartInterval > 0 {
		if last, ok := c.manualLastOn[id]; ok && now.Sub(last) < c.pending.MinStartInterval {
			return reject(ReasonStartInterval)
		}
	}
	if err := c.rig.SetActuator(ctx, id, on); err != nil {
		c.handleHardwareErrorLocked(now, "set", id, err)
		c.actuators[id] = false
		return err
	}
	c.actuators[id] = on
	if on {
		c.manualLastOn[id] = now
	}
	c.log.Info().Str("component", string(id)).Bool("on", on).Msg("manual component change")
	c.publishLocked(now, EventKindComponentChanged, "", map[string]any{
		"component": id,
		"state":     on,
	})
	return nil
}

// SetConfig replaces the pending configuration. The change takes effect on
// the next start; a running cycle keeps its snapshot.
func (c *Controller) SetConfig(cfg models.PhaseConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishCommand("set_config", c.setConfigLocked(cfg))
}

func (c *Controller) setConfigLocked(cfg models.PhaseConfig) error {
	if c.running {
		return reject(ReasonCycleRunning)
	}
	if err := validatePhaseConfig(cfg); err != nil {
		return err
	}
	c.pending = clonePhaseConfig(cfg)
	c.publishLocked(c.now(), EventKindConfigUpdated, "configuration replaced", nil)
	return nil
}

// UpdateDurations edits individual phase durations on the pending
// configuration, keyed by their operator-facing names (t_z1 .. t_still).
func (c *Controller) UpdateDurations(durations map[string]float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishCommand("update_durations", c.updateDurationsLocked(durations))
}

func (c *Controller) updateDurationsLocked(durations map[string]float64) error {
	if c.running {
		return reject(ReasonCycleRunning)
	}
	for key, value := range durations {
		if !validDurationKey(key) {
			return &ConfigError{Field: key, Detail: "unknown phase duration key"}
		}
		if value < 0 {
			return &ConfigError{Field: key, Detail: "must be >= 0"}
		}
	}
	next := clonePhaseConfig(c.pending)
	for key, value := range durations {
		setDuration(&next, key, time.Duration(value*float64(time.Second)))
	}
	c.pending = next
	c.log.Info().Interface("durations", durations).Msg("phase durations updated")
	c.publishLocked(c.now(), EventKindConfigUpdated, "phase durations updated", map[string]any{
		"durations": durations,
	})
	return nil
}

// AerationUpdate carries a partial aeration settings edit. Nil fields are
// left unchanged.
type AerationUpdate struct {
	Mode        *models.AerationMode
	TStossan    *float64
	TStosspause *float64
}

// UpdateAeration edits the aeration sub-mode settings on the pending
// configuration.
func (c *Controller) UpdateAeration(update AerationUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishCommand("update_aeration", c.updateAerationLocked(update))
}

func (c *Controller) updateAerationLocked(update AerationUpdate) error {
	if c.running {
		return reject(ReasonCycleRunning)
	}
	next := clonePhaseConfig(c.pending)
	if update.Mode != nil {
		switch *update.Mode {
		case models.AerationContinuous, models.AerationPulse:
			next.AerationMode = *update.Mode
		default:
			return &ConfigError{Field: "mode", Detail: "must be continuous or pulse"}
		}
	}
	if update.TStossan != nil {
		if *update.TStossan <= 0 {
			return &ConfigError{Field: "t_stossan", Detail: "must be positive"}
		}
		next.PulseOn = time.Duration(*update.TStossan * float64(time.Second))
	}
	if update.TStosspause != nil {
		if *update.TStosspause <= 0 {
			return &ConfigError{Field: "t_stosspause", Detail: "must be positive"}
		}
		next.PulsePause = time.Duration(*update.TStosspause * float64(time.Second))
	}
	c.pending = next
	c.log.Info().Msg("aeration settings updated")
	c.publishLocked(c.now(), EventKindConfigUpdated, "aeration settings updated", nil)
	return nil
}

// Status returns a consistent snapshot of the controller state.
func (c *Controller) Status() models.StatusSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked(c.now())
}

// ConfigSnapshot returns a copy of the pending configuration.
func (c *Controller) ConfigSnapshot() models.PhaseConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clonePhaseConfig(c.pending)
}

// Durations returns the pending phase durations keyed by their
// operator-facing names, in seconds.
func (c *Controller) Durations() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return durationsMap(c.pending)
}

func (c *Controller) finishCommand(command string, err error) error {
	result := "accepted"
	var cmdErr *CommandError
	var cfgErr *ConfigError
	switch {
	case errors.As(err, &cmdErr):
		result = cmdErr.Reason
		c.log.Info().Str("command", command).Str("reason", cmdErr.Reason).Msg("command rejected")
	case errors.As(err, &cfgErr):
		result = "config_invalid"
		c.log.Info().Str("command", command).Str("field", cfgErr.Field).Msg("config rejected")
	case err != nil:
		result = "error"
	}
	c.metrics.IncCommand(command, result)
	return err
}

func validDurationKey(key string) bool {
	switch key {
	case "t_z1", "t_d1", "t_n1", "t_z2", "t_d2", "t_n2", "t_z3", "t_d3", "t_n3", "t_sed", "t_abzug", "t_still":
		return true
	}
	return false
}

func setDuration(cfg *models.PhaseConfig, key string, d time.Duration) {
	switch key {
	case "t_z1":
		cfg.Triplets[0].Feed = d
	case "t_d1":
		cfg.Triplets[0].Unaerated = d
	case "t_n1":
		cfg.Triplets[0].Aerated = d
	case "t_z2":
		cfg.Triplets[1].Feed = d
	case "t_d2":
		cfg.Triplets[1].Unaerated = d
	case "t_n2":
		cfg.Triplets[1].Aerated = d
	case "t_z3":
		cfg.Triplets[2].Feed = d
	case "t_d3":
		cfg.Triplets[2].Unaerated = d
	case "t_n3":
		cfg.Triplets[2].Aerated = d
	case "t_sed":
		cfg.Settling = d
	case "t_abzug":
		cfg.Draining = d
	case "t_still":
		cfg.Standstill = d
	}
}

func durationsMap(cfg models.PhaseConfig) map[string]float64 {
	return map[string]float64{
		"t_z1":    cfg.Triplets[0].Feed.Seconds(),
		"t_d1":    cfg.Triplets[0].Unaerated.Seconds(),
		"t_n1":    cfg.Triplets[0].Aerated.Seconds(),
		"t_z2":    cfg.Triplets[1].Feed.Seconds(),
		"t_d2":    cfg.Triplets[1].Unaerated.Seconds(),
		"t_n2":    cfg.Triplets[1].Aerated.Seconds(),
		"t_z3":    cfg.Triplets[2].Feed.Seconds(),
		"t_d3":    cfg.Triplets[2].Unaerated.Seconds(),
		"t_n3":    cfg.Triplets[2].Aerated.Seconds(),
		"t_sed":   cfg.Settling.Seconds(),
		"t_abzug": cfg.Draining.Seconds(),
		"t_still": cfg.Standstill.Seconds(),
	}
}

func validatePhaseConfig(cfg models.PhaseConfig) error {
	for key, value := range durationsMap(cfg) {
		if value < 0 {
			return &ConfigError{Field: key, Detail: "must be >= 0"}
		}
	}
	if cfg.NumCycles < 1 {
		return &ConfigError{Field: "num_cycles", Detail: "must be at least 1"}
	}
	switch cfg.AerationMode {
	case models.AerationContinuous:
	case models.AerationPulse:
		if cfg.PulseOn <= 0 || cfg.PulsePause <= 0 {
			return &ConfigError{Field: "aeration", Detail: "pulse timers must be positive"}
		}
	default:
		return &ConfigError{Field: "aeration_mode", Detail: "must be continuous or pulse"}
	}
	if cfg.HighLevelAlarm <= 0 || cfg.LowLevelAlarm <= cfg.HighLevelAlarm {
		return &ConfigError{Field: "level_alarms", Detail: "low alarm must exceed high alarm (distance semantics)"}
	}
	if cfg.MaxCycleDuration <= 0 {
		return &ConfigError{Field: "max_cycle_duration", Detail: "must be positive"}
	}
	if cfg.SampleInterval <= 0 {
		return &ConfigError{Field: "sample_interval", Detail: "must be positive"}
	}
	return nil
}

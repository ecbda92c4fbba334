// Package controller implements the treatment cycle controller: the phase
// state machine, the safety interlocks, and the periodic control loop that
// samples the level sensor and drives the actuators.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbrctl/sbrctl/internal/hardware"
	"github.com/sbrctl/sbrctl/internal/models"
)

const (
	eventQueueSize  = 256
	maxRecentErrors = 20
	shutdownTimeout = 5 * time.Second
)

// Controller owns the single piece of live cycle state. One mutex guards
// it; the control loop is the only long-running holder and, together with
// the validated commands, the only writer.
type Controller struct {
	mu  sync.Mutex
	rig hardware.Rig
	log zerolog.Logger

	metrics *Metrics
	now     func() time.Time

	// statusEvery throttles the push-only status events; zero publishes one
	// per tick.
	statusEvery    time.Duration
	lastStatusPush time.Time

	// pending is the editable configuration; cfg is the immutable snapshot
	// taken at cycle start.
	pending models.PhaseConfig
	cfg     models.PhaseConfig

	sequence []step
	seqIndex int

	phase          models.Phase
	repetition     int
	phaseEnteredAt time.Time
	cycleStartedAt time.Time

	// Paused time is accumulated and subtracted when computing elapsed
	// time, so the clocks never stop and accounting is pause-invariant.
	phasePaused time.Duration
	cyclePaused time.Duration
	pausedAt    time.Time

	running          bool
	paused           bool
	emergencyStopped bool

	actuators    map[models.ActuatorID]bool
	runtimes     map[models.ActuatorID]time.Duration
	manualLastOn map[models.ActuatorID]time.Time
	lastLevel    float64
	lastTick     time.Time

	stats models.CycleStats

	events chan models.Event
}

// New builds a controller around the given rig and initial configuration.
func New(rig hardware.Rig, cfg models.PhaseConfig, log zerolog.Logger) *Controller {
	c := &Controller{
		rig:          rig,
		log:          log.With().Str("component", "controller").Logger(),
		now:          time.Now,
		pending:      clonePhaseConfig(cfg),
		cfg:          clonePhaseConfig(cfg),
		phase:        models.PhaseIdle,
		actuators:    make(map[models.ActuatorID]bool),
		runtimes:     make(map[models.ActuatorID]time.Duration),
		manualLastOn: make(map[models.ActuatorID]time.Time),
		events:       make(chan models.Event, eventQueueSize),
	}
	for _, id := range models.Actuators() {
		c.actuators[id] = false
	}
	return c
}

// WithMetrics wires optional Prometheus metrics.
func (c *Controller) WithMetrics(metrics *Metrics) *Controller {
	if c == nil {
		return c
	}
	c.metrics = metrics
	return c
}

// WithStatusInterval sets the minimum spacing between push-only status
// events.
func (c *Controller) WithStatusInterval(every time.Duration) *Controller {
	if c == nil {
		return c
	}
	c.statusEvery = every
	return c
}

// WithClock replaces the controller clock, for tests.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	if c == nil {
		return c
	}
	c.now = now
	return c
}

// Events returns the bounded outbound event queue. When the queue is full
// the oldest event is dropped so the control loop never blocks; order is
// preserved for everything delivered.
func (c *Controller) Events() <-chan models.Event {
	return c.events
}

// Run drives the control loop at the configured sample interval until ctx
// is canceled. Shutdown commands every actuator off.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	interval := c.pending.SampleInterval
	c.mu.Unlock()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.log.Info().Dur("interval", interval).Str("hardware", string(c.rig.Mode())).Msg("control loop started")
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick runs one control cycle: read sensor, account runtimes, evaluate
// safety, advance the state machine, publish status. A panic inside the
// tick parks the machine in the error phase with all actuators off;
// recovery takes the same explicit reset as an emergency stop.
func (c *Controller) tick(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		now := c.now()
		c.log.Error().Interface("panic", r).Msg("control loop failure")
		c.recordErrorLocked(now, fmt.Sprintf("control loop failure: %v", r))
		c.allOffLocked(ctx, now)
		c.running = false
		c.paused = false
		c.phase = models.PhaseError
		c.repetition = 0
		c.publishLocked(now, EventKindControllerError, "control loop failure", map[string]any{
			"panic": fmt.Sprint(r),
		})
	}()
	now := c.now()
	dt := now.Sub(c.lastTick)
	if c.lastTick.IsZero() || dt < 0 {
		dt = 0
	}
	c.lastTick = now

	if level, err := c.rig.ReadLevel(ctx); err != nil {
		c.handleHardwareErrorLocked(now, "read_level", "", err)
	} else {
		c.lastLevel = level
		c.metrics.SetWaterLevel(level)
	}

	if c.running && !c.paused && !c.emergencyStopped {
		for id, on := range c.actuators {
			if on {
				c.runtimes[id] += dt
			}
		}
		verdict := EvaluateSafety(c.lastLevel, c.runtimes, c.cycleElapsedLocked(now), c.cfg)
		if !verdict.OK() {
			c.alarmLocked(ctx, now, verdict)
			return
		}
		c.advanceLocked(ctx, now)
	}

	c.publishStatusLocked(now)
}

// advanceLocked walks the sequence past every step whose duration has
// elapsed. Zero-duration steps are skipped within the same tick.
func (c *Controller) advanceLocked(ctx context.Context, now time.Time) {
	for c.running {
		st := c.sequence[c.seqIndex]
		elapsed := c.phaseElapsedLocked(now)
		if elapsed < stepDuration(c.cfg, st) {
			break
		}
		if c.seqIndex == len(c.sequence)-1 {
			c.completeCycleLocked(ctx, now)
			return
		}
		c.enterStepLocked(ctx, now, c.seqIndex+1)
	}
	c.driveAerationLocked(ctx, now)
}

// driveAerationLocked applies the pulse sub-timer during aerated phases.
// The sub-timer is a function of phase elapsed time, so it survives
// pause/resume with the same offset arithmetic as the phase clock.
func (c *Controller) driveAerationLocked(ctx context.Context, now time.Time) {
	if !c.running || c.paused || c.phase != models.PhaseAerated {
		return
	}
	if c.cfg.AerationMode != models.AerationPulse {
		return
	}
	want := pulseBlowerOn(c.cfg, c.phaseElapsedLocked(now))
	if c.actuators[models.ActuatorBlower] == want {
		return
	}
	c.setActuatorLocked(ctx, now, models.ActuatorBlower, want)
}

// enterStepLocked records the transition and asserts the new step's entry
// actuator set.
func (c *Controller) enterStepLocked(ctx context.Context, now time.Time, idx int) {
	st := c.sequence[idx]
	from := c.phase
	c.seqIndex = idx
	c.phase = st.Phase
	c.repetition = st.Rep + 1
	c.phaseEnteredAt = now
	c.phasePaused = 0
	c.applyActuatorsLocked(ctx, now, entryActuators(c.cfg, st))
	c.metrics.IncPhaseTransition(from, st.Phase)
	c.log.Info().
		Str("from", string(from)).
		Str("to", string(st.Phase)).
		Int("repetition", c.repetition).
		Dur("duration", stepDuration(c.cfg, st)).
		Msg("phase change")
	c.publishLocked(now, EventKindPhaseChanged, "", map[string]any{
		"phase":      st.Phase,
		"repetition": c.repetition,
		"duration":   stepDuration(c.cfg, st).Seconds(),
	})
}

func (c *Controller) completeCycleLocked(ctx context.Context, now time.Time) {
	c.allOffLocked(ctx, now)
	elapsed := c.cycleElapsedLocked(now)
	c.stats.CyclesCompleted++
	c.stats.TotalRuntime += elapsed.Seconds()
	end := now
	c.stats.LastCycleEnd = &end
	from := c.phase
	c.running = false
	c.paused = false
	c.phase = models.PhaseIdle
	c.repetition = 0
	c.metrics.IncPhaseTransition(from, models.PhaseIdle)
	c.metrics.IncCycle("completed")
	c.metrics.ObserveCycleDuration(elapsed)
	c.log.Info().
		Int("cycles_completed", c.stats.CyclesCompleted).
		Dur("elapsed", elapsed).
		Msg("cycle completed")
	c.publishLocked(now, EventKindCycleCompleted, "treatment cycle completed", map[string]any{
		"cycles_completed": c.stats.CyclesCompleted,
		"elapsed":          elapsed.Seconds(),
	})
}

// alarmLocked forces an emergency stop in response to a safety verdict.
func (c *Controller) alarmLocked(ctx context.Context, now time.Time, verdict Verdict) {
	c.metrics.IncSafetyAlarm(verdict.Kind)
	c.recordErrorLocked(now, verdict.Detail)
	c.log.Error().
		Str("verdict", string(verdict.Kind)).
		Str("actuator", string(verdict.Actuator)).
		Str("detail", verdict.Detail).
		Msg("safety alarm")
	payload := map[string]any{"verdict": verdict.Kind, "detail": verdict.Detail}
	if verdict.Actuator != "" {
		payload["actuator"] = verdict.Actuator
	}
	c.publishLocked(now, EventKindSafetyAlarm, verdict.Detail, payload)
	c.emergencyStopLocked(ctx, now, string(verdict.Kind))
}

// emergencyStopLocked commands every actuator off before the emergency
// flag becomes observable, so no later command can race a live output.
func (c *Controller) emergencyStopLocked(ctx context.Context, now time.Time, reason string) {
	c.allOffLocked(ctx, now)
	wasRunning := c.running
	if wasRunning {
		c.stats.TotalRuntime += c.cycleElapsedLocked(now).Seconds()
		end := now
		c.stats.LastCycleEnd = &end
		c.metrics.IncCycle("alarm")
	}
	c.emergencyStopped = true
	c.running = false
	c.paused = false
	c.phase = models.PhaseEmergencyStop
	c.repetition = 0
	c.log.Error().Str("reason", reason).Bool("was_running", wasRunning).Msg("emergency stop")
	c.publishLocked(now, EventKindEmergencyStop, "emergency stop", map[string]any{
		"reason":      reason,
		"was_running": wasRunning,
	})
}

func (c *Controller) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.allOffLocked(ctx, now)
	if c.running {
		c.stats.TotalRuntime += c.cycleElapsedLocked(now).Seconds()
	}
	c.running = false
	c.paused = false
	if c.phase != models.PhaseEmergencyStop && c.phase != models.PhaseError {
		c.phase = models.PhaseIdle
	}
	c.log.Info().Msg("control loop stopped, actuators off")
}

// applyActuatorsLocked drives every actuator to the wanted state, skipping
// writes that would be no-ops.
func (c *Controller) applyActuatorsLocked(ctx context.Context, now time.Time, want map[models.ActuatorID]bool) {
	for _, id := range models.Actuators() {
		if c.actuators[id] == want[id] {
			continue
		}
		c.setActuatorLocked(ctx, now, id, want[id])
	}
}

func (c *Controller) allOffLocked(ctx context.Context, now time.Time) {
	for _, id := range models.Actuators() {
		if !c.actuators[id] {
			continue
		}
		c.setActuatorLocked(ctx, now, id, false)
	}
}

// setActuatorLocked issues the hardware command and tracks logical state.
// On failure the actuator is assumed off; the next tick retries naturally
// through the entry-set reconciliation.
func (c *Controller) setActuatorLocked(ctx context.Context, now time.Time, id models.ActuatorID, on bool) {
	if err := c.rig.SetActuator(ctx, id, on); err != nil {
		c.handleHardwareErrorLocked(now, "set", id, err)
		c.actuators[id] = false
		return
	}
	c.actuators[id] = on
}

func (c *Controller) handleHardwareErrorLocked(now time.Time, op string, id models.ActuatorID, err error) {
	c.metrics.IncHardwareFault(op)
	c.log.Error().Err(err).Str("op", op).Str("actuator", string(id)).Msg("hardware fault")
	payload := map[string]any{"op": op, "error": err.Error()}
	if id != "" {
		payload["actuator"] = id
	}
	c.publishLocked(now, EventKindHardwareFault, err.Error(), payload)
}

func (c *Controller) recordErrorLocked(now time.Time, message string) {
	c.stats.RecentErrors = append(c.stats.RecentErrors, models.CycleError{Timestamp: now, Message: message})
	if len(c.stats.RecentErrors) > maxRecentErrors {
		c.stats.RecentErrors = c.stats.RecentErrors[len(c.stats.RecentErrors)-maxRecentErrors:]
	}
}

func (c *Controller) phaseElapsedLocked(now time.Time) time.Duration {
	if c.phaseEnteredAt.IsZero() {
		return 0
	}
	elapsed := now.Sub(c.phaseEnteredAt) - c.phasePaused
	if c.paused {
		elapsed -= now.Sub(c.pausedAt)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed
}

func (c *Controller) cycleElapsedLocked(now time.Time) time.Duration {
	if c.cycleStartedAt.IsZero() {
		return 0
	}
	elapsed := now.Sub(c.cycleStartedAt) - c.cyclePaused
	if c.paused {
		elapsed -= now.Sub(c.pausedAt)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed
}

func (c *Controller) publishStatusLocked(now time.Time) {
	if c.statusEvery > 0 && !c.lastStatusPush.IsZero() && now.Sub(c.lastStatusPush) < c.statusEvery {
		return
	}
	c.lastStatusPush = now
	snapshot := c.statusLocked(now)
	c.publishLocked(now, EventKindStatus, "", map[string]any{"status": snapshot})
}

// publishLocked places an event on the bounded queue, dropping the oldest
// entry when full.
func (c *Controller) publishLocked(now time.Time, kind, message string, payload map[string]any) {
	ev := models.Event{
		Timestamp: now,
		Kind:      kind,
		Severity:  severityFor(kind),
		Message:   message,
		Payload:   payload,
	}
	select {
	case c.events <- ev:
		return
	default:
	}
	select {
	case <-c.events:
		c.metrics.IncEventDropped()
	default:
	}
	select {
	case c.events <- ev:
	default:
		c.metrics.IncEventDropped()
	}
}

func (c *Controller) statusLocked(now time.Time) models.StatusSnapshot {
	actuators := make(map[models.ActuatorID]bool, len(c.actuators))
	for id, on := range c.actuators {
		actuators[id] = on
	}
	stats := c.stats
	stats.RecentErrors = append([]models.CycleError(nil), c.stats.RecentErrors...)
	return models.StatusSnapshot{
		Phase:            c.phase,
		Repetition:       c.repetition,
		PhaseElapsed:     c.phaseElapsedLocked(now).Seconds(),
		CycleElapsed:     c.cycleElapsedLocked(now).Seconds(),
		Level:            c.lastLevel,
		Actuators:        actuators,
		AerationMode:     c.aerationModeLocked(),
		Running:          c.running,
		Paused:           c.paused,
		EmergencyStopped: c.emergencyStopped,
		HardwareMode:     string(c.rig.Mode()),
		Stats:            stats,
		Timestamp:        now,
	}
}

func (c *Controller) aerationModeLocked() models.AerationMode {
	if !c.running || c.paused {
		return models.AerationNone
	}
	return aerationModeFor(c.cfg, c.phase)
}

func clonePhaseConfig(cfg models.PhaseConfig) models.PhaseConfig {
	out := cfg
	out.MaxRuntime = make(map[models.ActuatorID]time.Duration, len(cfg.MaxRuntime))
	for id, limit := range cfg.MaxRuntime {
		out.MaxRuntime[id] = limit
	}
	return out
}

package hardware

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sbrctl/sbrctl/internal/models"
)

const (
	// Simulated sensor window and change rates, in centimeters. Filling
	// raises the water surface, which shortens the distance reading.
	simMinLevel  = 15.0
	simMaxLevel  = 145.0
	simFillRate  = 5.0 // cm/s while the inlet pump runs
	simDrainRate = 4.0 // cm/s while the drain valve is open
)

// SimRig is an in-memory rig that models the tank level from the actuator
// states, so a full cycle can run on a development machine.
type SimRig struct {
	mu         sync.Mutex
	states     map[models.ActuatorID]bool
	level      float64
	lastUpdate time.Time
	now        func() time.Time
	noise      float64
	rng        *rand.Rand
}

// NewSimRig starts the simulation at a drained tank (long distance
// reading).
func NewSimRig() *SimRig {
	now := time.Now
	return &SimRig{
		states:     make(map[models.ActuatorID]bool),
		level:      100.0,
		lastUpdate: now(),
		now:        now,
		noise:      0.5,
		rng:        rand.New(rand.NewSource(now().UnixNano())),
	}
}

// WithClock replaces the simulation clock, for tests.
func (r *SimRig) WithClock(now func() time.Time) *SimRig {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	r.lastUpdate = now()
	return r
}

// WithNoise sets the sensor noise amplitude; zero disables noise.
func (r *SimRig) WithNoise(amplitude float64) *SimRig {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.noise = amplitude
	return r
}

// SetLevel forces the simulated reading, for tests.
func (r *SimRig) SetLevel(level float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.level = level
	r.lastUpdate = r.now()
}

func (r *SimRig) SetActuator(_ context.Context, id models.ActuatorID, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	r.states[id] = on
	return nil
}

func (r *SimRig) ReadLevel(_ context.Context) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	reading := r.level
	if r.noise > 0 {
		reading += (r.rng.Float64()*2 - 1) * r.noise
	}
	if reading < simMinLevel {
		reading = simMinLevel
	}
	if reading > simMaxLevel {
		reading = simMaxLevel
	}
	return reading, nil
}

func (r *SimRig) Mode() Mode { return ModeSimulated }

func (r *SimRig) Close() error { return nil }

// advance integrates the level change since the last update. Caller holds
// the mutex.
func (r *SimRig) advance() {
	now := r.now()
	dt := now.Sub(r.lastUpdate).Seconds()
	r.lastUpdate = now
	if dt <= 0 {
		return
	}
	filling := r.states[models.ActuatorInletPump]
	draining := r.states[models.ActuatorDrainValve]
	switch {
	case filling && !draining:
		r.level -= simFillRate * dt
	case draining && !filling:
		r.level += simDrainRate * dt
	}
	if r.level < simMinLevel {
		r.level = simMinLevel
	}
	if r.level > simMaxLevel {
		r.level = simMaxLevel
	}
}

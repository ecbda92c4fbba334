package daemon

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sbrctl/sbrctl/internal/controller"
	"github.com/sbrctl/sbrctl/internal/db"
	"github.com/sbrctl/sbrctl/internal/models"
)

const persistTimeout = 5 * time.Second

// eventPump drains the controller's event queue, persists everything that
// is not push-only, maintains the per-cycle records, and broadcasts every
// event to the websocket hub.
type eventPump struct {
	store *db.Store
	hub   *Hub
	log   zerolog.Logger

	// Current cycle record, tracked from cycle.started to the terminal
	// event that closes it.
	cycleID      string
	cycleStarted time.Time
}

func newEventPump(store *db.Store, hub *Hub, log zerolog.Logger) *eventPump {
	return &eventPump{
		store: store,
		hub:   hub,
		log:   log.With().Str("component", "event_pump").Logger(),
	}
}

// run consumes events until ctx is canceled, then drains whatever the
// controller already queued so shutdown loses nothing.
func (p *eventPump) run(ctx context.Context, events <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-events:
					p.handle(ev)
				default:
					return
				}
			}
		case ev := <-events:
			p.handle(ev)
		}
	}
}

func (p *eventPump) handle(ev models.Event) {
	if !controller.PushOnlyEvent(ev.Kind) {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := p.store.InsertEvent(ctx, ev); err != nil {
			p.log.Error().Err(err).Str("kind", ev.Kind).Msg("persist event")
		}
		p.recordCycle(ctx, ev)
		cancel()
	}
	p.hub.Broadcast(ev)
}

// recordCycle maps the cycle lifecycle events onto the cycles table.
func (p *eventPump) recordCycle(ctx context.Context, ev models.Event) {
	switch ev.Kind {
	case controller.EventKindCycleStarted:
		p.cycleID = uuid.NewString()
		p.cycleStarted = ev.Timestamp
		if err := p.store.StartCycle(ctx, p.cycleID, ev.Timestamp); err != nil {
			p.log.Error().Err(err).Str("cycle_id", p.cycleID).Msg("start cycle record")
		}
	case controller.EventKindCycleCompleted:
		p.finishCycle(ctx, ev, db.CycleResultCompleted)
	case controller.EventKindCycleStopped:
		p.finishCycle(ctx, ev, db.CycleResultStopped)
	case controller.EventKindEmergencyStop:
		if wasRunning, ok := ev.Payload["was_running"].(bool); ok && wasRunning {
			p.finishCycle(ctx, ev, db.CycleResultAlarm)
		}
	}
}

func (p *eventPump) finishCycle(ctx context.Context, ev models.Event, result string) {
	if p.cycleID == "" {
		return
	}
	duration := ev.Timestamp.Sub(p.cycleStarted)
	if duration < 0 {
		duration = 0
	}
	if err := p.store.FinishCycle(ctx, p.cycleID, ev.Timestamp, result, duration); err != nil {
		p.log.Error().Err(err).Str("cycle_id", p.cycleID).Str("result", result).Msg("finish cycle record")
	}
	p.cycleID = ""
}

package reminder

import (
	"log/slog"
	"time"

	"github.com/dukerupert/nudge/internal/clock"
	"github.com/dukerupert/nudge/internal/model"
)

// Scheduler turns events into registry timers that run the delivery engine.
type Scheduler struct {
	registry *Registry
	engine   *Engine
	clk      clock.Clock
	logger   *slog.Logger
}

func NewScheduler(registry *Registry, engine *Engine, clk clock.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{registry: registry, engine: engine, clk: clk, logger: logger}
}

// FireTime returns when the reminder for ev should run given the current
// time. Reminders whose window already opened are due now.
func FireTime(ev model.Event, now time.Time) time.Time {
	sendAt := ev.SendAt()
	if sendAt.Before(now) {
		return now
	}
	return sendAt
}

// Schedule arms delivery for ev and returns the fire time. Events that were
// already reminded, and any event once the registry is stopped, are not
// scheduled.
func (s *Scheduler) Schedule(ev model.Event) (time.Time, bool) {
	if ev.Reminded {
		return time.Time{}, false
	}
	fireAt := FireTime(ev, s.clk.Now())
	if s.registry.Register(ev.ID, fireAt, s.engine.Action(ev.ID)) == 0 {
		return time.Time{}, false
	}
	s.logger.Debug("reminder scheduled", "event_id", ev.ID, "fire_at", fireAt)
	return fireAt, true
}

// Reschedule drops whatever is armed for ev and schedules it from scratch.
func (s *Scheduler) Reschedule(ev model.Event) (time.Time, bool) {
	s.registry.Cancel(ev.ID)
	return s.Schedule(ev)
}

func (s *Scheduler) Cancel(id int64) bool {
	return s.registry.Cancel(id)
}

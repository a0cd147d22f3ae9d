package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/nudge/internal/clock"
	"github.com/dukerupert/nudge/internal/model"
)

// Service is the entry point the request-handling surface calls into.
type Service struct {
	store     EventStore
	registry  *Registry
	engine    *Engine
	scheduler *Scheduler
	logger    *slog.Logger
}

// NewService wires a registry, delivery engine and scheduler together.
// onStatus may be nil.
func NewService(eventStore EventStore, sender Sender, cfg Config, clk clock.Clock, onStatus func(Status), logger *slog.Logger) *Service {
	registry := NewRegistry(clk, logger)
	engine := NewEngine(registry, eventStore, sender, cfg, clk, onStatus, logger)
	return &Service{
		store:     eventStore,
		registry:  registry,
		engine:    engine,
		scheduler: NewScheduler(registry, engine, clk, logger),
		logger:    logger,
	}
}

// OnStartup rebuilds timers for every event that has not been reminded.
// It must finish before the service takes requests; an error means the
// schedule could not be established.
func (s *Service) OnStartup(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	events, err := s.store.ListUnreminded()
	if err != nil {
		return 0, fmt.Errorf("list unreminded events: %w", err)
	}

	scheduled := 0
	for _, ev := range events {
		if _, ok := s.scheduler.Schedule(ev); ok {
			scheduled++
		}
	}
	s.logger.Info("recovery complete", "scheduled", scheduled)
	return scheduled, nil
}

// OnEventCreated schedules a newly stored event.
func (s *Service) OnEventCreated(ev model.Event) {
	s.scheduler.Schedule(ev)
}

// OnEventUpdated replaces whatever is armed for ev.
func (s *Service) OnEventUpdated(ev model.Event) {
	if ev.Reminded {
		s.scheduler.Cancel(ev.ID)
		return
	}
	s.scheduler.Reschedule(ev)
}

// OnEventDeleted cancels the pending reminder for id. Call it before the
// row is removed.
func (s *Service) OnEventDeleted(id int64) {
	if s.scheduler.Cancel(id) {
		s.logger.Debug("reminder cancelled", "event_id", id)
	}
}

// NextFire reports when the pending reminder for id is due.
func (s *Service) NextFire(id int64) (time.Time, bool) {
	return s.registry.FireAt(id)
}

// Pending returns the number of events with a tracked reminder.
func (s *Service) Pending() int {
	return s.registry.Len()
}

func (s *Service) Stop() {
	s.registry.Stop()
}

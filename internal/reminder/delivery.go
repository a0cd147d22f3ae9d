package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/nudge/internal/clock"
	"github.com/dukerupert/nudge/internal/model"
	"github.com/dukerupert/nudge/internal/store"
)

const (
	DefaultRetryInterval = 60 * time.Second
	DefaultMaxAttempts   = 10
	DefaultSendTimeout   = 30 * time.Second
)

// EventStore is the subset of the event store the reminder core depends on.
type EventStore interface {
	GetByID(id int64) (*model.Event, error)
	ListUnreminded() ([]model.Event, error)
	MarkReminded(id int64) error
}

// Sender delivers one notification. A nil error means the message was accepted.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Config controls delivery and retry behavior.
type Config struct {
	Recipient     string
	RetryInterval time.Duration
	MaxAttempts   int
	SendTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.SendTimeout < 0 {
		c.SendTimeout = 0
	}
	return c
}

// Outcome is the result of a single delivery attempt.
type Outcome string

const (
	OutcomeDelivered     Outcome = "delivered"
	OutcomeFailed        Outcome = "failed"
	OutcomeAbandoned     Outcome = "abandoned"
	OutcomePersistFailed Outcome = "persist_failed"
	OutcomeSkipped       Outcome = "skipped"
)

// Status is reported after every attempt that reached a decision.
type Status struct {
	EventID int64
	Title   string
	Outcome Outcome
	Attempt int
	Err     error
}

// delivery is the retry state for one scheduled reminder. It lives for as
// long as the registration it was armed with.
type delivery struct {
	eventID int64
	attempt int
	backoff retry.Backoff
	action  Action
}

// Engine performs delivery attempts and schedules retries through the
// registry.
type Engine struct {
	registry *Registry
	store    EventStore
	sender   Sender
	cfg      Config
	clk      clock.Clock
	onStatus func(Status)
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[int64]struct{}
}

func NewEngine(registry *Registry, eventStore EventStore, sender Sender, cfg Config, clk clock.Clock, onStatus func(Status), logger *slog.Logger) *Engine {
	return &Engine{
		registry: registry,
		store:    eventStore,
		sender:   sender,
		cfg:      cfg.withDefaults(),
		clk:      clk,
		onStatus: onStatus,
		logger:   logger,
		inflight: make(map[int64]struct{}),
	}
}

// Action returns a registry action that delivers the reminder for eventID
// with a fresh retry budget.
func (e *Engine) Action(eventID int64) Action {
	d := &delivery{
		eventID: eventID,
		backoff: retry.WithMaxRetries(uint64(e.cfg.MaxAttempts-1), retry.NewConstant(e.cfg.RetryInterval)),
	}
	d.action = func(ctx context.Context, gen uint64) { e.run(ctx, d, gen) }
	return d.action
}

func (e *Engine) run(ctx context.Context, d *delivery, gen uint64) {
	if !e.acquire(d.eventID) {
		// Another registration for this event is mid-send; look again later
		// without spending an attempt.
		if !e.registry.Rearm(d.eventID, gen, e.clk.Now().Add(e.cfg.RetryInterval), d.action) {
			e.logger.Debug("deferred delivery dropped", "event_id", d.eventID)
		}
		return
	}
	defer e.release(d.eventID)

	d.attempt++
	ev, outcome, err := e.attempt(ctx, d.eventID)

	status := Status{EventID: d.eventID, Outcome: outcome, Attempt: d.attempt, Err: err}
	if ev != nil {
		status.Title = ev.Title
	}

	switch outcome {
	case OutcomeDelivered:
		e.registry.Release(d.eventID, gen)
		e.logger.Info("reminder delivered", "event_id", d.eventID, "attempt", d.attempt)
	case OutcomeSkipped:
		e.registry.Release(d.eventID, gen)
		e.logger.Debug("reminder skipped", "event_id", d.eventID)
		return
	case OutcomePersistFailed:
		e.registry.Release(d.eventID, gen)
		e.logger.Error("reminder sent but not recorded", "event_id", d.eventID, "error", err)
	case OutcomeFailed:
		wait, stop := d.backoff.Next()
		if stop {
			status.Outcome = OutcomeAbandoned
			e.registry.Release(d.eventID, gen)
			e.logger.Warn("reminder abandoned", "event_id", d.eventID, "attempts", d.attempt, "error", err)
			break
		}
		e.logger.Warn("reminder attempt failed", "event_id", d.eventID, "attempt", d.attempt, "retry_in", wait, "error", err)
		if !e.registry.Rearm(d.eventID, gen, e.clk.Now().Add(wait), d.action) {
			e.logger.Debug("retry dropped, registration gone", "event_id", d.eventID)
		}
	}

	if e.onStatus != nil {
		e.onStatus(status)
	}
}

func (e *Engine) attempt(ctx context.Context, eventID int64) (*model.Event, Outcome, error) {
	ev, err := e.store.GetByID(eventID)
	if err != nil {
		return nil, OutcomeFailed, fmt.Errorf("load event: %w", err)
	}
	if ev == nil || ev.Reminded {
		return ev, OutcomeSkipped, nil
	}

	msg, err := renderReminder(*ev)
	if err != nil {
		return ev, OutcomeFailed, err
	}

	sendCtx := ctx
	if e.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, e.cfg.SendTimeout)
		defer cancel()
	}
	if err := e.sender.Send(sendCtx, e.cfg.Recipient, msg.Subject, msg.HTML); err != nil {
		return ev, OutcomeFailed, fmt.Errorf("send reminder: %w", err)
	}

	if err := e.store.MarkReminded(ev.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Deleted while the send was in flight.
			return ev, OutcomeSkipped, nil
		}
		return ev, OutcomePersistFailed, fmt.Errorf("mark reminded: %w", err)
	}
	return ev, OutcomeDelivered, nil
}

func (e *Engine) acquire(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id int64) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

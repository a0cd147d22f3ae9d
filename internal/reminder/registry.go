package reminder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/nudge/internal/clock"
)

// Action runs when a registered timer fires. gen identifies the registration
// that fired and must be passed back to Rearm or Release.
type Action func(ctx context.Context, gen uint64)

type entry struct {
	gen     uint64
	fireAt  time.Time
	timer   clock.Timer
	running bool
}

// Registry holds at most one pending timer per event id. It never touches the
// store; it only tracks what is armed in this process.
type Registry struct {
	mu      sync.Mutex
	clk     clock.Clock
	entries map[int64]*entry
	gen     uint64
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewRegistry creates a registry whose actions receive a context that is
// cancelled by Stop.
func NewRegistry(clk clock.Clock, logger *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		clk:     clk,
		entries: make(map[int64]*entry),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Register arms action for id at fireAt, replacing any previous registration
// for the same id. A fireAt in the past fires as soon as possible. The
// returned generation is zero if the registry has been stopped.
func (r *Registry) Register(id int64, fireAt time.Time, action Action) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return 0
	}
	r.cancelLocked(id)

	r.gen++
	e := &entry{gen: r.gen}
	r.entries[id] = e
	r.armLocked(id, e, fireAt, action)

	r.logger.Debug("timer registered", "event_id", id, "gen", e.gen, "fire_at", fireAt)
	return e.gen
}

// Rearm schedules action again for a registration whose action is currently
// running. It reports false when the registration was cancelled or replaced
// while the action ran.
func (r *Registry) Rearm(id int64, gen uint64, fireAt time.Time, action Action) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if r.stopped || !ok || e.gen != gen || !e.running {
		return false
	}
	r.armLocked(id, e, fireAt, action)
	return true
}

// Release forgets a registration whose action has finished for good.
func (r *Registry) Release(id int64, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok && e.gen == gen {
		delete(r.entries, id)
	}
}

// Cancel removes any registration for id. A pending timer is stopped; an
// action already running is left to finish but can no longer rearm.
func (r *Registry) Cancel(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelLocked(id)
}

// FireAt reports when the pending timer for id is due.
func (r *Registry) FireAt(id int64) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.running {
		return time.Time{}, false
	}
	return e.fireAt, true
}

// Len returns the number of tracked registrations, running ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Stop cancels every timer and the context passed to running actions.
// Register is a no-op afterwards.
func (r *Registry) Stop() {
	r.mu.Lock()
	r.stopped = true
	for id := range r.entries {
		r.cancelLocked(id)
	}
	r.mu.Unlock()

	r.cancel()
}

func (r *Registry) cancelLocked(id int64) bool {
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(r.entries, id)
	return true
}

func (r *Registry) armLocked(id int64, e *entry, fireAt time.Time, action Action) {
	delay := fireAt.Sub(r.clk.Now())
	if delay < 0 {
		delay = 0
	}
	gen := e.gen
	e.fireAt = fireAt
	e.running = false
	e.timer = r.clk.AfterFunc(delay, func() { r.fire(id, gen, action) })
}

func (r *Registry) fire(id int64, gen uint64, action Action) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if r.stopped || !ok || e.gen != gen || e.running {
		r.mu.Unlock()
		return
	}
	e.running = true
	e.timer = nil
	ctx := r.ctx
	r.mu.Unlock()

	action(ctx, gen)
}

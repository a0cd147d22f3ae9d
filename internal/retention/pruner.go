// Package retention removes delivered events once they are old enough that
// nobody will look at them again.
package retention

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Store is implemented by store.EventStore.
type Store interface {
	DeleteRemindedBefore(cutoff time.Time) (int64, error)
}

// Pruner periodically deletes reminded events whose datetime is older than
// the retention window. Unreminded events are never touched.
type Pruner struct {
	store     Store
	retention time.Duration
	now       func() time.Time
	cron      *cron.Cron
	logger    *slog.Logger
}

func NewPruner(store Store, retentionDays int, logger *slog.Logger) *Pruner {
	return &Pruner{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
		logger:    logger,
	}
}

// Enabled reports whether a retention window is configured.
func (p *Pruner) Enabled() bool {
	return p.retention > 0
}

// Start runs RunOnce on the given cron schedule (standard five-field expression or
// a descriptor such as "@daily").
func (p *Pruner) Start(schedule string) error {
	if !p.Enabled() {
		return nil
	}
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := p.RunOnce(); err != nil {
			p.logger.Error("prune failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("parse prune schedule %q: %w", schedule, err)
	}
	p.cron = c
	c.Start()
	p.logger.Info("pruner started", "schedule", schedule, "retention", p.retention)
	return nil
}

// Stop waits for a running prune to finish.
func (p *Pruner) Stop() {
	if p.cron == nil {
		return
	}
	<-p.cron.Stop().Done()
}

// RunOnce deletes expired delivered events and returns how many were removed.
func (p *Pruner) RunOnce() (int64, error) {
	if !p.Enabled() {
		return 0, nil
	}
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.DeleteRemindedBefore(cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info("pruned delivered events", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

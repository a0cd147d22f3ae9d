package email

import (
	"context"
	"log/slog"
)

// DryRun logs messages instead of sending them. It always succeeds.
type DryRun struct {
	logger *slog.Logger
}

func NewDryRun(logger *slog.Logger) *DryRun {
	return &DryRun{logger: logger}
}

func (d *DryRun) Send(ctx context.Context, to, subject, htmlBody string) error {
	d.logger.Info("dry run email", "to", to, "subject", subject, "bytes", len(htmlBody))
	return nil
}

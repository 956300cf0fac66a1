package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"marketpulse/internal/metrics"
)

// Redrive re-attempts failed notifications once and prints a summary.
func (a *App) Redrive(ctx context.Context, limit int) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured; nothing to redrive")
	}
	b, err := a.openBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	d := a.newDispatcher(b, metrics.New(a.Config.Metrics.Namespace))
	res, err := d.Redrive(ctx, limit)
	fmt.Fprintf(os.Stdout, "scanned: %d\ndelivered: %d\nfailed: %d\nskipped: %d\n", res.Scanned, res.Delivered, res.Failed, res.Skipped)
	return err
}

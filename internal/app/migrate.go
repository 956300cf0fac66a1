package app

import (
	"context"
	"errors"

	"marketpulse/internal/storage"
)

// Migrate applies pending schema migrations and optionally seeds the
// default watchlist.
func (a *App) Migrate(ctx context.Context, opts MigrateOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; cannot migrate")
	}
	defer closeStore()

	applied, err := store.Migrate(ctx)
	if err != nil {
		return err
	}
	for _, name := range applied {
		a.Logger.Info().Str("migration", name).Msg("migration applied")
	}

	if opts.Seed {
		entries := storage.DefaultWatchlist()
		if err := storage.SeedWatchlist(ctx, store, entries); err != nil {
			return err
		}
		a.Logger.Info().Int("entries", len(entries)).Msg("watchlist seeded")
	}
	return nil
}

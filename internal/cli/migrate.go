package cli

import (
	"github.com/spf13/cobra"

	"marketpulse/internal/app"
)

var migrateSeed bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context(), app.MigrateOptions{Seed: migrateSeed})
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateSeed, "seed", false, "Seed the default watchlist after migrating")
}

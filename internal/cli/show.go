package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"marketpulse/internal/app"
)

var (
	showLimit int
)

var showCmd = &cobra.Command{
	Use:       "show events|records|watchlist",
	Short:     "Display recent events, notification records or the watchlist",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"events", "records", "watchlist"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			What:  args[0],
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
}

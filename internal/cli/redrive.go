package cli

import (
	"github.com/spf13/cobra"
)

var redriveLimit int

var redriveCmd = &cobra.Command{
	Use:   "redrive",
	Short: "Retry failed notifications once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Redrive(cmd.Context(), redriveLimit)
	},
}

func init() {
	redriveCmd.Flags().IntVar(&redriveLimit, "limit", 0, "Maximum records to retry (defaults to dispatch.redrive_batch)")
}

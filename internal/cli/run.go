package cli

import (
	"github.com/spf13/cobra"

	"marketpulse/internal/app"
)

var runRole string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the detection and/or notification pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context(), app.RunOptions{Role: runRole})
	},
}

func init() {
	runCmd.Flags().StringVar(&runRole, "role", "", "Process role: all, detection or notification (defaults to config)")
}

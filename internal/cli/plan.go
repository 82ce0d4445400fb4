package cli

import (
	"github.com/spf13/cobra"

	"dividend-screener/internal/app"
)

var planLimit int

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the missing-unit fetch plan without fetching",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Plan(cmd.Context(), app.PlanOptions{Limit: planLimit})
	},
}

func init() {
	planCmd.Flags().IntVar(&planLimit, "limit", 50, "Maximum units to print")
}

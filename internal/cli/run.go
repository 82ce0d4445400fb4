package cli

import (
	"github.com/spf13/cobra"

	"dividend-screener/internal/app"
)

var runDaemon bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the fetch-and-aggregate pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context(), app.RunOptions{Daemon: runDaemon})
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDaemon, "daemon", false, "Keep running on the configured schedule")
}

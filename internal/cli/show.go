package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-fallback/internal/app"
)

var (
	showLimit     int
	showIncidents bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent provider snapshots or incidents",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:     showLimit,
			Incidents: showIncidents,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showIncidents, "incidents", false, "List incidents instead of snapshots")
}

package cli

import (
	"github.com/spf13/cobra"

	"market-fallback/internal/app"
)

var (
	fetchTicker string
	fetchDays   int
	fetchStrict bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <operation>",
	Short: "Fetch data through the provider fallback chain",
	Long:  "Operations: securities, market_data, historical, volume, macro.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Fetch(cmd.Context(), app.FetchOptions{
			Operation:       args[0],
			Ticker:          fetchTicker,
			Days:            fetchDays,
			StrictFreshness: fetchStrict,
		})
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchTicker, "ticker", "", "Instrument ticker, e.g. SBER")
	fetchCmd.Flags().IntVar(&fetchDays, "days", 0, "History window in days (historical only)")
	fetchCmd.Flags().BoolVar(&fetchStrict, "strict-freshness", false, "Fail instead of serving expired cache data")
}

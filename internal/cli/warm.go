package cli

import (
	"github.com/spf13/cobra"

	"market-fallback/internal/app"
)

var (
	warmTickers     []string
	warmOperations  []string
	warmConcurrency int
)

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Pre-populate the cache for a list of tickers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Warm(cmd.Context(), app.WarmOptions{
			Tickers:     append(warmTickers, args...),
			Operations:  warmOperations,
			Concurrency: warmConcurrency,
		})
	},
}

func init() {
	warmCmd.Flags().StringSliceVar(&warmTickers, "tickers", nil, "Comma separated tickers")
	warmCmd.Flags().StringSliceVar(&warmOperations, "operations", []string{"market_data"}, "Operations to warm")
	warmCmd.Flags().IntVar(&warmConcurrency, "concurrency", 4, "Parallel requests")
}

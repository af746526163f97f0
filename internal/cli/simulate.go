package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"market-fallback/internal/app"
)

var simulateFailures int

var simulateCmd = &cobra.Command{
	Use:   "simulate-outage <provider>",
	Short: "模拟供应商连续失败并触发强制下线与告警",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateFailures < 0 {
			return errors.New("--failures 不能为负数")
		}
		return getApp().SimulateOutage(cmd.Context(), app.SimulateOptions{
			Provider: args[0],
			Failures: simulateFailures,
		})
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simulateFailures, "failures", 0, "注入的失败次数（默认 burst 阈值 + 1）")
}

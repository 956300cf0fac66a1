package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"marketpulse/internal/app"
)

var (
	simulateSymbol string
	simulatePrices []string
	simulateStep   time.Duration
	simulateNotify bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟一段价格序列并走完检测与分发流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(simulatePrices) < 2 {
			return errors.New("--prices 至少需要两个价格")
		}

		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Symbol: simulateSymbol,
			Prices: simulatePrices,
			Step:   simulateStep,
			Notify: simulateNotify,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "005930", "股票代码")
	simulateCmd.Flags().StringSliceVar(&simulatePrices, "prices", nil, "逗号分隔的价格序列, 例如 79500,80200")
	simulateCmd.Flags().DurationVar(&simulateStep, "step", 30*time.Second, "相邻两个价格之间的时间间隔")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "发送到已配置的告警通道而不是 stdout")
}

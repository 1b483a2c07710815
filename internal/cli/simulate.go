package cli

import (
	"github.com/spf13/cobra"

	"tickerwatch/internal/app"
)

var (
	simulateCSVPath string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "通过 CSV 行情回放评估流程并输出告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SimulateOptions{
			CSVPath: simulateCSVPath,
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateCSVPath, "csv", "", "行情 CSV 文件路径 (symbol,price[,timestamp])")
}

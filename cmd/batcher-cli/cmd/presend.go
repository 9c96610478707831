package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var presendCmd = &cobra.Command{
	Use:   "presend",
	Short: "估费干跑 (不入账不广播)",
	Long: `计算当前排队集合加上这笔支付后的费用分摊。
返回本请求的手续费份额以及是否会立即广播。`,
	Run: func(cmd *cobra.Command, args []string) {
		walletID, _ := cmd.Flags().GetString("wallet")
		toAddress, _ := cmd.Flags().GetString("to")
		amount, _ := cmd.Flags().GetString("amount")

		if toAddress == "" || amount == "" {
			fmt.Println("必须指定 --to 和 --amount")
			os.Exit(1)
		}

		data := callAPI("POST", "/api/v1/presend", map[string]interface{}{
			"wallet_id":  walletID,
			"to_address": toAddress,
			"amount":     amount,
		})
		printJSON(data)
	},
}

func init() {
	rootCmd.AddCommand(presendCmd)
	presendCmd.Flags().StringP("wallet", "w", "default", "钱包 ID")
	presendCmd.Flags().StringP("to", "t", "", "收款地址")
	presendCmd.Flags().StringP("amount", "a", "", "金额 (BTC)")
}

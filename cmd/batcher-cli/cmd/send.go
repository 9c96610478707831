package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "提交一笔支付",
	Long: `受理一笔支付请求。阈值满足或批量触顶时立即随批广播，
否则进入队列等待合并，可用 status 命令跟踪。`,
	Run: func(cmd *cobra.Command, args []string) {
		walletID, _ := cmd.Flags().GetString("wallet")
		toAddress, _ := cmd.Flags().GetString("to")
		amount, _ := cmd.Flags().GetString("amount")

		if toAddress == "" || amount == "" {
			fmt.Println("必须指定 --to 和 --amount")
			os.Exit(1)
		}

		data := callAPI("POST", "/api/v1/send", map[string]interface{}{
			"wallet_id":  walletID,
			"to_address": toAddress,
			"amount":     amount,
		})

		fmt.Println("✅ 支付已受理")
		printJSON(data)
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringP("wallet", "w", "default", "钱包 ID")
	sendCmd.Flags().StringP("to", "t", "", "收款地址")
	sendCmd.Flags().StringP("amount", "a", "", "金额 (BTC)")
}

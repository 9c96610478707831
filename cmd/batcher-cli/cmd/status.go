package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [request-id]",
	Short: "查询支付请求状态",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		data := callAPI("GET", "/api/v1/tx/"+args[0], nil)
		printJSON(data)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "最近的支付请求列表",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		data := callAPI("GET", fmt.Sprintf("/api/v1/history?limit=%d", limit), nil)
		printJSON(data)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "返回条数上限")
}

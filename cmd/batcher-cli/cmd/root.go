package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL   string
	apiPassword string
)

// rootCmd 代表基础命令，没有子命令时直接调用
var rootCmd = &cobra.Command{
	Use:   "batcher-cli",
	Short: "支付合并服务命令行工具",
	Long: `batcher-server 的命令行客户端。
支持估费干跑 (presend)、提交支付 (send)、查询请求状态和历史。`,
}

// Execute 将所有子命令添加到根命令并设置标志
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "batcher-server 地址")
	rootCmd.PersistentFlags().StringVar(&apiPassword, "password", "", "API 口令 (X-Api-Password)")
}

// apiResponse 服务端统一响应结构
type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

// callAPI 请求服务端并解包统一响应，业务错误直接退出
func callAPI(method, path string, body interface{}) json.RawMessage {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			fmt.Printf("序列化请求失败: %v\n", err)
			os.Exit(1)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		fmt.Printf("构造请求失败: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiPassword != "" {
		req.Header.Set("X-Api-Password", apiPassword)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("❌ 请求失败: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Printf("读取响应失败: %v\n", err)
		os.Exit(1)
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		fmt.Printf("解析响应失败: %v\n%s\n", err, raw)
		os.Exit(1)
	}
	if envelope.Code != 0 {
		fmt.Printf("❌ 服务端返回错误 (code=%d): %s\n", envelope.Code, envelope.Message)
		if len(envelope.Data) > 0 && string(envelope.Data) != "{}" {
			fmt.Printf("%s\n", envelope.Data)
		}
		os.Exit(1)
	}
	return envelope.Data
}

// printJSON 缩进输出业务数据
func printJSON(data json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(buf.String())
}

package electrumd

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"batcher-core/internal/chain"
	"batcher-core/pkg/errno"
	"batcher-core/pkg/logger"
)

// Client 基于 Electrum 风格钱包守护进程 JSON-RPC 的协作方实现，
// 同时充当 chain.WalletClient 和 chain.NetworkClient。
type Client struct {
	baseURL   string
	http      *http.Client
	requestID atomic.Int64
	connected atomic.Bool
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// 守护进程业务错误码
const (
	rpcCodeInsufficientFunds = -32001
	rpcCodeBadAddress        = -32002
	rpcCodeNotConnected      = -32010
)

func (c *Client) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon rpc %s: unexpected status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("daemon rpc %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return decodeRPCError(method, rpcResp.Error)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("daemon rpc %s: decode result: %w", method, err)
		}
	}
	return nil
}

func decodeRPCError(method string, e *rpcError) error {
	switch e.Code {
	case rpcCodeInsufficientFunds, rpcCodeBadAddress:
		return fmt.Errorf("%s: %s: %w", method, e.Message, errno.ErrBuildTx)
	case rpcCodeNotConnected:
		return fmt.Errorf("%s: %s: %w", method, e.Message, errno.ErrNetworkUnavailable)
	default:
		return fmt.Errorf("daemon rpc %s failed (%d): %s", method, e.Code, e.Message)
	}
}

// ---- chain.NetworkClient ----

// Start 验证守护进程可达并已连上 P2P 网络
func (c *Client) Start(ctx context.Context) error {
	var status struct {
		Connected bool   `json:"connected"`
		Version   string `json:"version"`
	}
	if err := c.call(ctx, "getstatus", []interface{}{}, &status); err != nil {
		return err
	}
	if !status.Connected {
		return errno.ErrNetworkUnavailable
	}
	c.connected.Store(true)
	logger.Info("钱包守护进程已连接", zap.String("url", c.baseURL), zap.String("version", status.Version))
	return nil
}

func (c *Client) Stop() error {
	c.connected.Store(false)
	c.http.CloseIdleConnections()
	return nil
}

// FeeEstimate 查询费率估计 (sat/kvB)。守护进程暂无数据时返回 null。
func (c *Client) FeeEstimate(ctx context.Context, confTarget int) (int64, error) {
	var rate *int64
	if err := c.call(ctx, "feerate", map[string]interface{}{"conf_target": confTarget}, &rate); err != nil {
		return 0, err
	}
	if rate == nil || *rate <= 0 {
		return 0, errno.ErrFeeUnavailable
	}
	return *rate, nil
}

func (c *Client) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	var txid string
	err := c.call(ctx, "broadcast", map[string]interface{}{
		"raw_tx": hex.EncodeToString(rawTx),
	}, &txid)
	if err != nil {
		// 广播失败一律视为可重试；交易本体会在钱包侧被丢弃
		return "", fmt.Errorf("%v: %w", err, errno.ErrSubmitTx)
	}
	return txid, nil
}

func (c *Client) QueryPropagation(ctx context.Context, txid string) (chain.Propagation, error) {
	var state string
	if err := c.call(ctx, "txstatus", map[string]interface{}{"txid": txid}, &state); err != nil {
		return chain.PropagationUnknown, err
	}
	switch state {
	case "propagated", "confirmed", "mempool":
		return chain.PropagationPropagated, nil
	case "rejected":
		return chain.PropagationRejected, nil
	default:
		return chain.PropagationUnknown, nil
	}
}

// ---- chain.WalletClient ----

func (c *Client) BuildTransaction(ctx context.Context, walletID string, outputs []chain.Output, feeSat int64) (*chain.BuiltTx, error) {
	var result struct {
		Txid  string `json:"txid"`
		RawTx string `json:"raw_tx"`
	}
	err := c.call(ctx, "maketx", map[string]interface{}{
		"wallet_id": walletID,
		"outputs":   outputs,
		"fee_sat":   feeSat,
	}, &result)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(result.RawTx)
	if err != nil {
		return nil, fmt.Errorf("maketx: bad raw tx hex: %w", err)
	}
	return &chain.BuiltTx{Txid: result.Txid, RawTx: raw}, nil
}

func (c *Client) EstimateSize(ctx context.Context, walletID string, outputs []chain.Output) (int, error) {
	var size int
	err := c.call(ctx, "estimatesize", map[string]interface{}{
		"wallet_id": walletID,
		"outputs":   outputs,
	}, &size)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", err, errno.ErrSizeEstimation)
	}
	if size <= 0 {
		return 0, errno.ErrSizeEstimation
	}
	return size, nil
}

func (c *Client) Discard(ctx context.Context, walletID string, txid string) error {
	return c.call(ctx, "removetx", map[string]interface{}{
		"wallet_id": walletID,
		"txid":      txid,
	}, nil)
}

func (c *Client) UnusedAddress(ctx context.Context, walletID string) (string, error) {
	var addr string
	if err := c.call(ctx, "getunusedaddress", map[string]interface{}{"wallet_id": walletID}, &addr); err != nil {
		return "", err
	}
	return addr, nil
}

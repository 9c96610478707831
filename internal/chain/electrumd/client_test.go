package electrumd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batcher-core/internal/chain"
	"batcher-core/pkg/errno"
)

// newTestDaemon 模拟守护进程：按 method 返回预置响应
func newTestDaemon(t *testing.T, handlers map[string]func(params json.RawMessage) (interface{}, *rpcError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		handler, ok := handlers[req.Method]
		require.True(t, ok, "unexpected method %s", req.Method)

		result, rpcErr := handler(req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestFeeEstimate(t *testing.T) {
	srv := newTestDaemon(t, map[string]func(json.RawMessage) (interface{}, *rpcError){
		"feerate": func(json.RawMessage) (interface{}, *rpcError) {
			return int64(12500), nil
		},
	})
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	rate, err := c.FeeEstimate(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(12500), rate)
}

func TestFeeEstimateUnavailable(t *testing.T) {
	srv := newTestDaemon(t, map[string]func(json.RawMessage) (interface{}, *rpcError){
		"feerate": func(json.RawMessage) (interface{}, *rpcError) {
			return nil, nil // 守护进程还没有费率数据
		},
	})
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	_, err := c.FeeEstimate(context.Background(), 2)
	assert.ErrorIs(t, err, errno.ErrFeeUnavailable)
}

func TestBuildTransaction(t *testing.T) {
	srv := newTestDaemon(t, map[string]func(json.RawMessage) (interface{}, *rpcError){
		"maketx": func(params json.RawMessage) (interface{}, *rpcError) {
			var p struct {
				WalletID string         `json:"wallet_id"`
				Outputs  []chain.Output `json:"outputs"`
				FeeSat   int64          `json:"fee_sat"`
			}
			require.NoError(t, json.Unmarshal(params, &p))
			assert.Equal(t, "w1", p.WalletID)
			assert.Equal(t, int64(300), p.FeeSat)
			return map[string]string{"txid": "abc123", "raw_tx": "deadbeef"}, nil
		},
	})
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	built, err := c.BuildTransaction(context.Background(), "w1",
		[]chain.Output{{Address: "addr1", AmountSat: 10000}}, 300)
	require.NoError(t, err)
	assert.Equal(t, "abc123", built.Txid)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, built.RawTx)
}

func TestBuildTransactionInsufficientFunds(t *testing.T) {
	srv := newTestDaemon(t, map[string]func(json.RawMessage) (interface{}, *rpcError){
		"maketx": func(json.RawMessage) (interface{}, *rpcError) {
			return nil, &rpcError{Code: rpcCodeInsufficientFunds, Message: "insufficient funds"}
		},
	})
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	_, err := c.BuildTransaction(context.Background(), "w1", nil, 100)
	assert.ErrorIs(t, err, errno.ErrBuildTx)
}

func TestBroadcastFailureIsRetryable(t *testing.T) {
	srv := newTestDaemon(t, map[string]func(json.RawMessage) (interface{}, *rpcError){
		"broadcast": func(json.RawMessage) (interface{}, *rpcError) {
			return nil, &rpcError{Code: -32099, Message: "relay failed"}
		},
	})
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	_, err := c.Broadcast(context.Background(), []byte{0x01})
	assert.ErrorIs(t, err, errno.ErrSubmitTx)
	assert.True(t, errno.IsRetryable(err))
}

func TestQueryPropagation(t *testing.T) {
	tests := []struct {
		daemon string
		want   chain.Propagation
	}{
		{"propagated", chain.PropagationPropagated},
		{"mempool", chain.PropagationPropagated},
		{"rejected", chain.PropagationRejected},
		{"pending", chain.PropagationUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.daemon, func(t *testing.T) {
			srv := newTestDaemon(t, map[string]func(json.RawMessage) (interface{}, *rpcError){
				"txstatus": func(json.RawMessage) (interface{}, *rpcError) {
					return tt.daemon, nil
				},
			})
			defer srv.Close()

			c := NewClient(srv.URL, 2*time.Second)
			got, err := c.QueryPropagation(context.Background(), "abc")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 50*time.Millisecond)
	_, err := c.FeeEstimate(context.Background(), 2)
	assert.Error(t, err)
}

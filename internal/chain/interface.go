package chain

import "context"

// Output 一笔待上链支付的目的地址和金额 (聪)
type Output struct {
	Address   string `json:"address"`
	AmountSat int64  `json:"amount_sat"`
}

// Propagation 已提交交易在网络侧的传播状态
type Propagation int

const (
	PropagationUnknown Propagation = iota
	PropagationPropagated
	PropagationRejected
)

func (p Propagation) String() string {
	switch p {
	case PropagationPropagated:
		return "propagated"
	case PropagationRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// BuiltTx 钱包构造完成但尚未广播的交易
type BuiltTx struct {
	Txid  string
	RawTx []byte
}

// WalletClient 钱包协作方 (地址派生、签名、UTXO 选择都在外部钱包完成)
type WalletClient interface {
	// BuildTransaction 构造并签名一笔花费 outputs 的交易，支付 feeSat 手续费。
	// 只构造不广播；钱包侧资金不足等返回 errno.ErrBuildTx。
	BuildTransaction(ctx context.Context, walletID string, outputs []Output, feeSat int64) (*BuiltTx, error)

	// EstimateSize 估算携带 outputs 的交易大小 (vbytes)，不留下任何状态
	EstimateSize(ctx context.Context, walletID string, outputs []Output) (int, error)

	// Discard 丢弃一笔已构造但未传播的交易，它不能再表现为待花费
	Discard(ctx context.Context, walletID string, txid string) error

	// UnusedAddress 返回钱包的一个未使用地址
	UnusedAddress(ctx context.Context, walletID string) (string, error)
}

// NetworkClient 网络协作方，显式持有并复用一条连接 (Start/Stop 生命周期)
type NetworkClient interface {
	Start(ctx context.Context) error
	Stop() error

	// FeeEstimate 返回 confTarget 个区块确认目标下的费率 (sat/kvB)。
	// 上游暂无数据时返回 errno.ErrFeeUnavailable。
	FeeEstimate(ctx context.Context, confTarget int) (int64, error)

	// Broadcast 提交交易并等待传播确认，返回 txid
	Broadcast(ctx context.Context, rawTx []byte) (string, error)

	// QueryPropagation 查询一笔已提交交易的传播状态
	QueryPropagation(ctx context.Context, txid string) (Propagation, error)
}

package service

import (
	"context"

	"batcher-core/internal/chain"
	"batcher-core/internal/model"
)

// Ledger 支付请求账本，"什么在排队、什么已发出" 的唯一可信来源
type Ledger interface {
	// Append 插入一条新的 queued 请求并回填 ID
	Append(ctx context.Context, req *model.PaymentRequest) error

	// ListQueued 返回一个 wallet 的全部 queued 请求，最老的在前
	ListQueued(ctx context.Context, walletID string) ([]model.PaymentRequest, error)

	// MarkSent 原子地把一组 queued 请求置为 sent，盖上共同的 txid
	// 和各自的手续费份额。任何一条不处于 queued 则整体回滚并返回
	// errno.ErrInvalidTransition。
	MarkSent(ctx context.Context, ids []uint64, txid string, attributions map[uint64]int64) error

	// MarkFailed 原子地把一组 queued 请求置为 failed
	MarkFailed(ctx context.Context, ids []uint64, reason string) error

	// RequeueSent 补偿回滚 sent -> queued，仅限广播对账确认
	// 交易未传播的场景
	RequeueSent(ctx context.Context, ids []uint64, txid string) error

	// Get 按 ID 查询
	Get(ctx context.Context, id uint64) (*model.PaymentRequest, error)

	// ListRecent 返回最近的请求，最新的在前
	ListRecent(ctx context.Context, limit int) ([]model.PaymentRequest, error)

	// WalletsWithQueued 返回当前存在 queued 请求的 wallet 列表
	WalletsWithQueued(ctx context.Context) ([]string, error)
}

// FeeSource 费率来源 (sat/kvB)，阻塞直到有数据或超时
type FeeSource interface {
	RateSatPerKvB(ctx context.Context) (int64, error)
}

// SizeSource 交易大小来源 (vbytes)
type SizeSource interface {
	VSize(ctx context.Context, walletID string, outputs []chain.Output) (int, error)
}

// AttemptJournal 广播日志，崩溃恢复的依据
type AttemptJournal interface {
	Create(ctx context.Context, attempt *model.BroadcastAttempt) error
	Update(ctx context.Context, attempt *model.BroadcastAttempt) error

	// ListUnresolved 返回所有未走到终态 (building / submitted) 的广播
	// 日志。submitted 的对应请求在对账完成前不得再次入选批量。
	ListUnresolved(ctx context.Context) ([]model.BroadcastAttempt, error)
}

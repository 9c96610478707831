package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"batcher-core/internal/chain"
	"batcher-core/internal/model"
	"batcher-core/pkg/errno"
	"batcher-core/pkg/logger"
	"batcher-core/pkg/monitor"
)

// BroadcastCoordinator 把引擎选定的输出集合变成一笔上链交易，
// 并在成功/失败后对齐账本状态。
type BroadcastCoordinator struct {
	ledger  Ledger
	journal AttemptJournal
	wallet  chain.WalletClient
	network chain.NetworkClient
}

func NewBroadcastCoordinator(ledger Ledger, journal AttemptJournal, wallet chain.WalletClient, network chain.NetworkClient) *BroadcastCoordinator {
	return &BroadcastCoordinator{
		ledger:  ledger,
		journal: journal,
		wallet:  wallet,
		network: network,
	}
}

// Execute 构造、记录、提交一笔批量交易。
//
// 失败分类:
//   - 构造失败 (ErrBuildTx, 如余额不足): 终态，整批 mark_failed
//   - 提交失败 (ErrSubmitTx): 钱包侧丢弃已构造交易，请求保持 queued 可重试
//   - 账本更新失败 (ErrInvalidTransition): 完整性错误，大声记录并上抛
func (c *BroadcastCoordinator) Execute(ctx context.Context, walletID string, d *Decision) (string, error) {
	// 1. 构造之前先落广播日志 (building)，每个阶段都有崩溃痕迹
	attempt := &model.BroadcastAttempt{
		WalletID:    walletID,
		RequestIDs:  model.JoinIDs(d.RequestIDs),
		TotalFeeSat: d.TotalFeeSat,
		Status:      model.AttemptBuilding,
	}
	if err := c.journal.Create(ctx, attempt); err != nil {
		c.failureMetric("persistence")
		return "", err
	}

	// 2. 钱包构造交易 (只构造不广播)
	built, err := c.wallet.BuildTransaction(ctx, walletID, d.Outputs, d.TotalFeeSat)
	if err != nil {
		c.abandon(ctx, attempt)
		if errors.Is(err, errno.ErrBuildTx) {
			// 资金不足等必须暴露给提交方，不能无限静默重试
			logger.Error("交易构造失败，整批标记 failed",
				zap.String("wallet_id", walletID),
				zap.Uint64s("request_ids", d.RequestIDs),
				zap.Error(err))
			c.failureMetric("build")
			if markErr := c.ledger.MarkFailed(ctx, d.RequestIDs, err.Error()); markErr != nil {
				return "", markErr
			}
			return "", err
		}
		// 钱包暂时不可达等视为瞬时错误，请求保持 queued
		c.failureMetric("build_transient")
		return "", fmt.Errorf("build transaction: %v: %w", err, errno.ErrSizeEstimation)
	}

	// 提交网络之前日志必须已处于 submitted，否则崩溃后无从对账
	attempt.Txid = built.Txid
	attempt.RawTx = built.RawTx
	attempt.Status = model.AttemptSubmitted
	if err := c.journal.Update(ctx, attempt); err != nil {
		c.discard(ctx, walletID, built.Txid)
		c.failureMetric("persistence")
		return "", err
	}

	// 3. 提交并等待传播确认
	txid, err := c.network.Broadcast(ctx, built.RawTx)
	if err != nil {
		// 从未传播的交易必须在钱包侧丢弃，不能表现为待花费
		c.discard(ctx, walletID, built.Txid)
		c.abandon(ctx, attempt)
		c.failureMetric("submit")
		logger.Warn("广播失败，请求保持 queued 等待下一轮",
			zap.String("wallet_id", walletID),
			zap.String("txid", built.Txid),
			zap.Error(err))
		return "", err
	}
	if txid == "" {
		txid = built.Txid
	}

	// 4. 账本整批置为 sent
	if err := c.ledger.MarkSent(ctx, d.RequestIDs, txid, d.Attributions); err != nil {
		// 交易已在链上而账本没对上——完整性错误，绝不静默吞掉
		logger.Error("交易已传播但账本更新失败",
			zap.String("wallet_id", walletID),
			zap.String("txid", txid),
			zap.Uint64s("request_ids", d.RequestIDs),
			zap.Error(err))
		c.failureMetric("persistence")
		return txid, err
	}

	attempt.Status = model.AttemptConfirmed
	if err := c.journal.Update(ctx, attempt); err != nil {
		logger.Error("更新广播日志失败", zap.Error(err))
	}

	if monitor.Business != nil {
		monitor.Business.BatchesBroadcastTotal.Inc()
		monitor.Business.BatchSize.Observe(float64(len(d.RequestIDs)))
		monitor.Business.BatchFeeRatioBps.Observe(float64(d.FeeRatioBps))
	}
	logger.Info("批量交易已广播",
		zap.String("wallet_id", walletID),
		zap.String("txid", txid),
		zap.Int("batch_size", len(d.RequestIDs)),
		zap.Int64("total_fee_sat", d.TotalFeeSat),
		zap.Int64("fee_ratio_bps", d.FeeRatioBps))
	return txid, nil
}

// HeldRequests 返回被未对账完成的 submitted 广播占住的请求 ID 集合。
// 这些请求可能已经随某笔交易上链，在传播状态查清之前绝不允许被
// 下一个决策周期再次选中 (否则同一批收款人会被支付两次)。
func (c *BroadcastCoordinator) HeldRequests(ctx context.Context) (map[uint64]bool, error) {
	attempts, err := c.journal.ListUnresolved(ctx)
	if err != nil {
		return nil, err
	}

	held := make(map[uint64]bool)
	for i := range attempts {
		// building 说明还没提交过网络，对应请求可以安全重选
		if attempts[i].Status != model.AttemptSubmitted {
			continue
		}
		for _, id := range model.SplitIDs(attempts[i].RequestIDs) {
			held[id] = true
		}
	}
	return held, nil
}

// Recover 启动时对账：处于 submitted 的广播日志说明进程在提交后、
// 账本更新前退出过。先查网络的传播状态，再决定 sent 还是回滚——
// 两个方向都不允许假设。building 的日志从未提交过网络，直接废弃。
func (c *BroadcastCoordinator) Recover(ctx context.Context) error {
	attempts, err := c.journal.ListUnresolved(ctx)
	if err != nil {
		return err
	}

	for i := range attempts {
		attempt := &attempts[i]
		if attempt.Status == model.AttemptBuilding {
			// 构造阶段崩溃: 没有交易上链，废弃日志放行请求
			logger.Warn("对账: 构造阶段遗留的广播日志，废弃",
				zap.Uint64("attempt_id", attempt.ID), zap.String("wallet_id", attempt.WalletID))
			c.abandon(ctx, attempt)
			continue
		}

		prop, err := c.network.QueryPropagation(ctx, attempt.Txid)
		if err != nil {
			logger.Warn("对账查询传播状态失败，留待下次启动",
				zap.String("txid", attempt.Txid), zap.Error(err))
			continue
		}

		switch prop {
		case chain.PropagationPropagated:
			c.reconcilePropagated(ctx, attempt)
		case chain.PropagationRejected:
			c.reconcileRejected(ctx, attempt)
		default:
			// 状态未知：既不标记 sent 也不释放请求，留待下次对账
			logger.Warn("交易传播状态未知，保持 submitted",
				zap.String("txid", attempt.Txid))
		}
	}
	return nil
}

func (c *BroadcastCoordinator) reconcilePropagated(ctx context.Context, attempt *model.BroadcastAttempt) {
	ids := model.SplitIDs(attempt.RequestIDs)

	// 份额按同一确定性规则重新计算
	var rows []model.PaymentRequest
	var totalAmount int64
	for _, id := range ids {
		row, err := c.ledger.Get(ctx, id)
		if err != nil {
			logger.Error("对账读取请求失败", zap.Uint64("id", id), zap.Error(err))
			return
		}
		rows = append(rows, *row)
		totalAmount += row.AmountSat
	}

	attrs := attributeFee(rows, attempt.TotalFeeSat, totalAmount)
	err := c.ledger.MarkSent(ctx, ids, attempt.Txid, attrs)
	if err != nil && !errors.Is(err, errno.ErrInvalidTransition) {
		logger.Error("对账标记 sent 失败", zap.String("txid", attempt.Txid), zap.Error(err))
		return
	}
	// InvalidTransition 说明账本已经标记过，无需重复

	attempt.Status = model.AttemptConfirmed
	if err := c.journal.Update(ctx, attempt); err != nil {
		logger.Error("更新广播日志失败", zap.Error(err))
		return
	}
	logger.Info("对账完成: 交易已传播，请求标记 sent",
		zap.String("txid", attempt.Txid), zap.Uint64s("request_ids", ids))
}

func (c *BroadcastCoordinator) reconcileRejected(ctx context.Context, attempt *model.BroadcastAttempt) {
	ids := model.SplitIDs(attempt.RequestIDs)

	c.discard(ctx, attempt.WalletID, attempt.Txid)
	// 已被提前标记过 sent 的行走补偿回滚 (唯一允许 sent -> queued 的路径)
	if err := c.ledger.RequeueSent(ctx, ids, attempt.Txid); err != nil {
		logger.Error("对账回滚失败", zap.String("txid", attempt.Txid), zap.Error(err))
		return
	}

	attempt.Status = model.AttemptAbandoned
	if err := c.journal.Update(ctx, attempt); err != nil {
		logger.Error("更新广播日志失败", zap.Error(err))
		return
	}
	logger.Warn("对账完成: 交易被拒绝，请求回到 queued",
		zap.String("txid", attempt.Txid), zap.Uint64s("request_ids", ids))
}

func (c *BroadcastCoordinator) abandon(ctx context.Context, attempt *model.BroadcastAttempt) {
	attempt.Status = model.AttemptAbandoned
	if err := c.journal.Update(ctx, attempt); err != nil {
		logger.Error("更新广播日志失败", zap.Uint64("attempt_id", attempt.ID), zap.Error(err))
	}
}

func (c *BroadcastCoordinator) discard(ctx context.Context, walletID, txid string) {
	if err := c.wallet.Discard(ctx, walletID, txid); err != nil {
		logger.Error("丢弃未传播交易失败",
			zap.String("wallet_id", walletID),
			zap.String("txid", txid),
			zap.Error(err))
	}
}

func (c *BroadcastCoordinator) failureMetric(reason string) {
	if monitor.Business != nil {
		monitor.Business.BroadcastFailuresTotal.WithLabelValues(reason).Inc()
	}
}

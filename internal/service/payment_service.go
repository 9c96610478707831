package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"batcher-core/internal/model"
	"batcher-core/pkg/errno"
	"batcher-core/pkg/logger"
	"batcher-core/pkg/monitor"
	"batcher-core/pkg/utils/lock"
)

const walletLockTTL = 60 * time.Second

// EstimateResult presend 干跑结果
type EstimateResult struct {
	FeeSat         int64 `json:"fee_sat"`       // 本请求按比例分摊的手续费
	TotalFeeSat    int64 `json:"total_fee_sat"` // 整批交易手续费
	FeeRatioBps    int64 `json:"fee_ratio_bps"`
	WouldBroadcast bool  `json:"would_broadcast"`
	BatchSize      int   `json:"batch_size"`
}

// SubmitResult send 结果
type SubmitResult struct {
	RequestID   uint64 `json:"request_id"`
	FeeSat      int64  `json:"fee_sat"`
	FeeRatioBps int64  `json:"fee_ratio_bps"`
	Broadcast   bool   `json:"broadcast"`
	Txid        string `json:"txid,omitempty"`
}

// PaymentService 对外的核心操作入口。
// 同一 wallet 的决策+广播周期全程串行：进程内 KeyedMutex 保证单实例
// 串行，Redis 分布式锁保证多实例部署下同样成立。
type PaymentService struct {
	ledger      Ledger
	engine      *BatchEngine
	broadcaster *BroadcastCoordinator
	walletLocks *lock.KeyedMutex
	distLock    lock.DistributedLock // 可为 nil (单实例部署)
}

func NewPaymentService(ledger Ledger, engine *BatchEngine, broadcaster *BroadcastCoordinator, distLock lock.DistributedLock) *PaymentService {
	return &PaymentService{
		ledger:      ledger,
		engine:      engine,
		broadcaster: broadcaster,
		walletLocks: lock.NewKeyedMutex(),
		distLock:    distLock,
	}
}

// Estimate 干跑：计算当前排队集合加上这笔支付后的费用分摊，不落库不广播。
// 相同输入和相同的费率/大小数据下结果恒定。
func (s *PaymentService) Estimate(ctx context.Context, walletID, address string, amountSat int64) (*EstimateResult, error) {
	if amountSat < 1 {
		return nil, errno.ErrInvalidAmount
	}

	release, err := s.lockWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	defer release()

	queued, err := s.availableQueued(ctx, walletID)
	if err != nil {
		return nil, err
	}

	// 干跑请求用 ID 0 占位，不会出现在账本里
	candidates := append(queued, model.PaymentRequest{
		ID:        0,
		WalletID:  walletID,
		Address:   address,
		AmountSat: amountSat,
	})

	d, err := s.engine.Evaluate(ctx, walletID, candidates, false)
	if err != nil {
		return nil, err
	}

	return &EstimateResult{
		FeeSat:         d.Attributions[0],
		TotalFeeSat:    d.TotalFeeSat,
		FeeRatioBps:    d.FeeRatioBps,
		WouldBroadcast: d.Broadcast,
		BatchSize:      len(d.RequestIDs),
	}, nil
}

// Submit 受理一笔支付：先入账 (queued)，再跑一次决策周期。
// 阈值满足或容量触顶时连同排队集合一起广播；否则保持 queued，
// 返回的费用估计让提交方知道自己大概的份额。
//
// 决策或广播阶段的瞬时错误不会丢请求：行保持 queued，错误连同
// request_id 一起返回。
func (s *PaymentService) Submit(ctx context.Context, walletID, address string, amountSat int64) (*SubmitResult, error) {
	if amountSat < 1 {
		return nil, errno.ErrInvalidAmount
	}

	release, err := s.lockWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	defer release()

	req := &model.PaymentRequest{
		WalletID:  walletID,
		Address:   address,
		AmountSat: amountSat,
	}
	if err := s.ledger.Append(ctx, req); err != nil {
		return nil, err
	}

	// 重新读账本而不是手工拼接，保证决策周期观察到一致快照
	candidates, err := s.availableQueued(ctx, walletID)
	if err != nil {
		return &SubmitResult{RequestID: req.ID}, err
	}

	d, err := s.engine.Evaluate(ctx, walletID, candidates, false)
	if err != nil {
		// 费率/大小数据不可用：安全空操作，请求留在队列里
		s.updateQueueGauge(walletID, len(candidates))
		return &SubmitResult{RequestID: req.ID}, err
	}

	result := &SubmitResult{
		RequestID:   req.ID,
		FeeSat:      d.Attributions[req.ID],
		FeeRatioBps: d.FeeRatioBps,
	}

	if !d.Broadcast {
		s.submitMetric("queued")
		s.updateQueueGauge(walletID, len(candidates))
		logger.Info("请求入队等待合并",
			zap.Uint64("request_id", req.ID),
			zap.String("wallet_id", walletID),
			zap.Int64("fee_ratio_bps", d.FeeRatioBps))
		return result, nil
	}

	// 容量裁剪后批量可能小于候选集，剩下的行还在排队
	leftover := len(candidates) - len(d.RequestIDs)

	txid, err := s.broadcaster.Execute(ctx, walletID, d)
	if err != nil {
		if errno.IsRetryable(err) {
			// 广播失败但请求已受理，下一轮会重新参与合并
			s.submitMetric("queued")
			s.updateQueueGauge(walletID, len(candidates))
			return result, err
		}
		s.submitMetric("failed")
		s.updateQueueGauge(walletID, leftover)
		return result, err
	}

	result.Broadcast = true
	result.Txid = txid
	s.submitMetric("broadcast")
	s.updateQueueGauge(walletID, leftover)
	return result, nil
}

// FlushWallet 强制广播一个 wallet 的全部排队请求，跳过阈值判断。
// max-wait 到期的定时任务调用，保证单笔大费率请求不会永远饿死。
func (s *PaymentService) FlushWallet(ctx context.Context, walletID string) error {
	release, err := s.lockWallet(ctx, walletID)
	if err != nil {
		return err
	}
	defer release()

	queued, err := s.availableQueued(ctx, walletID)
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		return nil
	}

	d, err := s.engine.Evaluate(ctx, walletID, queued, true)
	if err != nil {
		return err
	}

	if _, err := s.broadcaster.Execute(ctx, walletID, d); err != nil {
		return err
	}
	s.updateQueueGauge(walletID, len(queued)-len(d.RequestIDs))
	return nil
}

// Status 按 ID 查询单个请求
func (s *PaymentService) Status(ctx context.Context, id uint64) (*model.PaymentRequest, error) {
	return s.ledger.Get(ctx, id)
}

// History 最近的请求，最新的在前
func (s *PaymentService) History(ctx context.Context, limit int) ([]model.PaymentRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.ledger.ListRecent(ctx, limit)
}

// QueuedWallets 当前有排队请求的 wallet 列表 (冲洗任务用)
func (s *PaymentService) QueuedWallets(ctx context.Context) ([]string, error) {
	return s.ledger.WalletsWithQueued(ctx)
}

// availableQueued 返回可入选批量的排队请求：被未对账完成的 submitted
// 广播占住的行被排除，它们可能已经上链，重选等于对同一批收款人
// 付两次钱。对账 (Recover) 解决这些日志后行自然回到候选集。
func (s *PaymentService) availableQueued(ctx context.Context, walletID string) ([]model.PaymentRequest, error) {
	queued, err := s.ledger.ListQueued(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if len(queued) == 0 {
		return queued, nil
	}

	held, err := s.broadcaster.HeldRequests(ctx)
	if err != nil {
		return nil, err
	}
	if len(held) == 0 {
		return queued, nil
	}

	available := make([]model.PaymentRequest, 0, len(queued))
	for _, r := range queued {
		if !held[r.ID] {
			available = append(available, r)
		}
	}
	return available, nil
}

// lockWallet 拿到进程内锁 + 分布式锁，返回释放函数
func (s *PaymentService) lockWallet(ctx context.Context, walletID string) (func(), error) {
	s.walletLocks.Lock(walletID)

	if s.distLock == nil {
		return func() { s.walletLocks.Unlock(walletID) }, nil
	}

	acquired, err := s.distLock.Acquire(ctx, "wallet:"+walletID, walletLockTTL)
	if err != nil {
		s.walletLocks.Unlock(walletID)
		return nil, err
	}
	if !acquired {
		s.walletLocks.Unlock(walletID)
		return nil, errno.ErrWalletBusy
	}

	return func() {
		if err := s.distLock.Release(context.Background(), "wallet:"+walletID); err != nil {
			logger.Error("释放 wallet 锁失败", zap.String("wallet_id", walletID), zap.Error(err))
		}
		s.walletLocks.Unlock(walletID)
	}, nil
}

func (s *PaymentService) submitMetric(outcome string) {
	if monitor.Business != nil {
		monitor.Business.PaymentsSubmittedTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *PaymentService) updateQueueGauge(walletID string, n int) {
	if monitor.Business != nil {
		monitor.Business.QueuedRequests.WithLabelValues(walletID).Set(float64(n))
	}
}
